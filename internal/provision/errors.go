package provision

import (
	"errors"
	"fmt"

	"github.com/chaz8081/echoprov/internal/ble"
	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

var (
	// ErrRegistrationConflict marks a device that is already registered.
	// It is an outcome, not a failure: the Done event carries it.
	ErrRegistrationConflict = errors.New("provision: device already registered")
	// ErrRegistrationFailed wraps every other registration failure.
	ErrRegistrationFailed = errors.New("provision: registration failed")
	// ErrResetFailed is logged when the reset command is not acknowledged.
	ErrResetFailed = errors.New("provision: reset command failed")
	// ErrCancelled is returned by an operation interrupted by Cancel.
	ErrCancelled = errors.New("provision: session cancelled")
	// ErrClosed is returned by operations on a released session.
	ErrClosed = errors.New("provision: session closed")
)

// TransferError reports which field failed, and at which frame.
// It matches ble.ErrTransferFailed.
type TransferError struct {
	Field protocol.Field
	Frame int
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("provision: transfer %s failed at frame %d: %v", e.Field, e.Frame, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ble.ErrTransferFailed }
