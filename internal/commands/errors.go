// ABOUTME: Typed errors for command dispatch with machine-readable kinds
// ABOUTME: Supports errors.Is against the kind sentinels

package commands

import "fmt"

// Kind is the machine-readable classification of a CommandError.
type Kind string

const (
	KindDeviceNotFound Kind = "DeviceNotFound"
	KindDispatchFailed Kind = "DispatchFailed"
	KindInvalidPayload Kind = "InvalidPayload"
)

// CommandError is returned by dispatch operations.
type CommandError struct {
	Kind    Kind
	Message string
	Err     error
}

// Kind sentinels for errors.Is.
var (
	ErrDeviceNotFound = &CommandError{Kind: KindDeviceNotFound}
	ErrDispatchFailed = &CommandError{Kind: KindDispatchFailed}
	ErrInvalidPayload = &CommandError{Kind: KindInvalidPayload}
)

func (e *CommandError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is matches any CommandError of the same kind.
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	return ok && t.Kind == e.Kind
}

// ErrorKind implements the boundary's kinded-error contract.
func (e *CommandError) ErrorKind() string { return string(e.Kind) }

func newError(kind Kind, format string, args ...any) *CommandError {
	return &CommandError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
