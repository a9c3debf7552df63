// ABOUTME: Typed session errors with machine-readable kinds
// ABOUTME: Supports errors.Is against the kind sentinels

package session

import "fmt"

// Kind is the machine-readable classification of a SessionError.
type Kind string

const (
	KindNotAtHead       Kind = "NotAtHead"
	KindAlreadyActive   Kind = "AlreadyActive"
	KindNoActiveSession Kind = "NoActiveSession"
	KindDeviceOffline   Kind = "DeviceOffline"
	KindNotOwner        Kind = "NotOwner"
)

// SessionError is returned by session lifecycle operations.
type SessionError struct {
	Kind    Kind
	Message string
}

// Kind sentinels for errors.Is.
var (
	ErrNotAtHead       = &SessionError{Kind: KindNotAtHead}
	ErrAlreadyActive   = &SessionError{Kind: KindAlreadyActive}
	ErrNoActiveSession = &SessionError{Kind: KindNoActiveSession}
	ErrDeviceOffline   = &SessionError{Kind: KindDeviceOffline}
	ErrNotOwner        = &SessionError{Kind: KindNotOwner}
)

func (e *SessionError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any SessionError of the same kind.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	return ok && t.Kind == e.Kind
}

// ErrorKind implements the boundary's kinded-error contract.
func (e *SessionError) ErrorKind() string { return string(e.Kind) }

func sessionError(kind Kind, format string, args ...any) *SessionError {
	return &SessionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
