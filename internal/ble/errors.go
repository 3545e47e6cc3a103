package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported means the host cannot drive a BLE central.
	ErrUnsupported = errors.New("ble: bluetooth not supported on this host")
	// ErrUserCancelled means device selection was dismissed.
	ErrUserCancelled = errors.New("ble: device selection cancelled")
	// ErrConnectionFailed wraps any lower-layer failure while connecting.
	ErrConnectionFailed = errors.New("ble: connection failed")
	// ErrNotConnected is returned for channel operations without a link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrChannelUnavailable means the device does not expose the channel.
	ErrChannelUnavailable = errors.New("ble: channel unavailable")
	// ErrTransferFailed is matched by every *FrameError.
	ErrTransferFailed = errors.New("ble: transfer failed")
)

// FrameError reports the frame at which a chunked write aborted.
type FrameError struct {
	Index int // zero-based frame index
	Total int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("ble: write frame %d/%d: %v", e.Index+1, e.Total, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

func (e *FrameError) Is(target error) bool { return target == ErrTransferFailed }
