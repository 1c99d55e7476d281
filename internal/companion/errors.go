package companion

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied aborts handling of an event.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPeripheralConnection wraps connect and disconnect failures.
	ErrPeripheralConnection = errors.New("peripheral connection failed")
	// ErrBroadcastStream wraps broadcast listener failures.
	ErrBroadcastStream = errors.New("broadcast stream failed")
)

// PermissionError names the permission that was denied.
type PermissionError struct {
	Permission Permission
	Err        error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrPermissionDenied, e.Permission)
	}
	return fmt.Sprintf("%s: %s: %v", ErrPermissionDenied, e.Permission, e.Err)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// NewPermissionError builds a PermissionError for perm, optionally carrying
// the reason it was denied.
func NewPermissionError(perm Permission, reason error) error {
	return &PermissionError{Permission: perm, Err: reason}
}

func peripheralError(op, address string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPeripheralConnection, op, address, err)
}

func broadcastError(err error) error {
	return fmt.Errorf("%w: %w", ErrBroadcastStream, err)
}
