// ABOUTME: Typed admission errors with machine-readable kinds
// ABOUTME: Supports errors.Is against the kind sentinels

package queue

import "fmt"

// Kind is the machine-readable classification of an AdmissionError.
type Kind string

const (
	KindAlreadyQueued       Kind = "AlreadyQueued"
	KindInsufficientCredits Kind = "InsufficientCredits"
	KindDeviceOffline       Kind = "DeviceOffline"
	KindDeviceUnclaimed     Kind = "DeviceUnclaimed"
	KindNotQueued           Kind = "NotQueued"
	KindSessionActive       Kind = "SessionActive"
)

// AdmissionError is returned by queue operations.
type AdmissionError struct {
	Kind    Kind
	Message string
}

// Kind sentinels for errors.Is.
var (
	ErrAlreadyQueued       = &AdmissionError{Kind: KindAlreadyQueued}
	ErrInsufficientCredits = &AdmissionError{Kind: KindInsufficientCredits}
	ErrDeviceOffline       = &AdmissionError{Kind: KindDeviceOffline}
	ErrDeviceUnclaimed     = &AdmissionError{Kind: KindDeviceUnclaimed}
	ErrNotQueued           = &AdmissionError{Kind: KindNotQueued}
	ErrSessionActive       = &AdmissionError{Kind: KindSessionActive}
)

func (e *AdmissionError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any AdmissionError of the same kind.
func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	return ok && t.Kind == e.Kind
}

// ErrorKind implements the boundary's kinded-error contract.
func (e *AdmissionError) ErrorKind() string { return string(e.Kind) }

func admissionError(kind Kind, format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
