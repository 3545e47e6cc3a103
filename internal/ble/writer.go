package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// WriterOptions configures chunked writes.
type WriterOptions struct {
	FrameSize  int           // max bytes per write (default protocol.MaxFrameBytes)
	FrameDelay time.Duration // pause between frames, not after the last (default 50ms, negative for none)
	Timeout    time.Duration // bound on a single write (default 5s)
}

// DefaultWriterOptions returns the pacing the provisioning firmware expects.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		FrameSize:  protocol.MaxFrameBytes,
		FrameDelay: 50 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// Writer splits payloads into frames and writes them in order.
// It holds no state between calls.
type Writer struct {
	opts WriterOptions
}

// NewWriter creates a Writer, filling unset options with defaults.
func NewWriter(opts WriterOptions) *Writer {
	if opts.FrameSize <= 0 {
		opts.FrameSize = protocol.MaxFrameBytes
	}
	if opts.FrameDelay == 0 {
		opts.FrameDelay = 50 * time.Millisecond
	}
	if opts.FrameDelay < 0 {
		opts.FrameDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Writer{opts: opts}
}

// Options returns the effective options.
func (w *Writer) Options() WriterOptions { return w.opts }

// Write delivers payload to char one frame at a time, waiting for each
// write to return before pacing and issuing the next. progress, if set, is
// called with written/total after every acknowledged frame; an empty payload
// reports 1.0 without writing.
//
// A failed or timed-out write aborts with a *FrameError carrying the frame
// index. Nothing is retried. Cancelling ctx stops the transfer before the
// next frame and returns ctx.Err(). A write already in flight is not
// interrupted: Write waits for it (up to the write timeout) before
// returning.
func (w *Writer) Write(ctx context.Context, char Characteristic, payload []byte, progress func(float64)) error {
	frames := protocol.Frames(payload, w.opts.FrameSize)
	if len(frames) == 0 {
		if progress != nil {
			progress(1.0)
		}
		return nil
	}

	total := len(frames)
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writeOne(ctx, char, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &FrameError{Index: i, Total: total, Err: err}
		}
		if progress != nil {
			progress(float64(i+1) / float64(total))
		}
		// Small delay between frames to avoid overwhelming the device
		if i < total-1 {
			if err := sleep(ctx, w.opts.FrameDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeOne bounds a single write by the configured timeout.
func (w *Writer) writeOne(ctx context.Context, char Characteristic, frame []byte) error {
	return withTimeout(ctx, w.opts.Timeout, func() error {
		return char.Write(frame)
	})
}

// withTimeout runs fn and waits for it or the timeout, whichever is first.
// BLE calls cannot be aborted, so on expiry fn keeps running in the
// background and its result is discarded. Cancelling ctx does not abandon
// fn: withTimeout still waits for it (within the same timeout) and then
// reports ctx.Err().
func withTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		select {
		case <-ch:
		case <-timer.C:
		}
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
