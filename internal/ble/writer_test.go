package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func zeroDelayWriter(frameSize int) *Writer {
	return NewWriter(WriterOptions{FrameSize: frameSize, FrameDelay: -1, Timeout: time.Second})
}

func TestWriterFrameCountAndProgress(t *testing.T) {
	for _, n := range []int{0, 1, 511, 512, 513, 1300, 2048} {
		char := &mockCharacteristic{}
		var progress []float64
		payload := bytes.Repeat([]byte{0xAB}, n)

		err := zeroDelayWriter(512).Write(context.Background(), char, payload, func(p float64) {
			progress = append(progress, p)
		})
		if err != nil {
			t.Fatalf("n=%d: Write() error = %v", n, err)
		}

		wantWrites := (n + 511) / 512
		if char.writeCount() != wantWrites {
			t.Errorf("n=%d: %d writes, want %d", n, char.writeCount(), wantWrites)
		}
		if len(progress) == 0 || progress[len(progress)-1] != 1.0 {
			t.Errorf("n=%d: progress %v does not end at 1.0", n, progress)
		}
		for i := 1; i < len(progress); i++ {
			if progress[i] < progress[i-1] {
				t.Errorf("n=%d: progress decreased: %v", n, progress)
			}
		}
		if got := bytes.Join(char.writes, nil); !bytes.Equal(got, payload) {
			t.Errorf("n=%d: written bytes differ from payload", n)
		}
	}
}

func TestWriterEmptyPayload(t *testing.T) {
	char := &mockCharacteristic{}
	var progress []float64
	err := zeroDelayWriter(512).Write(context.Background(), char, nil, func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if char.writeCount() != 0 {
		t.Errorf("empty payload produced %d writes, want 0", char.writeCount())
	}
	if len(progress) != 1 || progress[0] != 1.0 {
		t.Errorf("progress = %v, want [1]", progress)
	}
}

func TestWriterThreeFrameProgress(t *testing.T) {
	char := &mockCharacteristic{}
	var progress []float64
	err := zeroDelayWriter(512).Write(context.Background(), char, make([]byte, 1300), func(p float64) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	want := []float64{1.0 / 3, 2.0 / 3, 1.0}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}
}

func TestWriterAbortsOnFailedFrame(t *testing.T) {
	char := &mockCharacteristic{failAt: 2}
	var progress []float64
	err := zeroDelayWriter(10).Write(context.Background(), char, make([]byte, 35), func(p float64) {
		progress = append(progress, p)
	})

	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("Write() error = %v, want *FrameError", err)
	}
	if fe.Index != 1 {
		t.Errorf("FrameError.Index = %d, want 1", fe.Index)
	}
	if fe.Total != 4 {
		t.Errorf("FrameError.Total = %d, want 4", fe.Total)
	}
	if !errors.Is(err, ErrTransferFailed) {
		t.Error("FrameError should match ErrTransferFailed")
	}
	if char.writeCount() != 1 {
		t.Errorf("%d frames written, want 1 (no retry, no continuation)", char.writeCount())
	}
	if len(progress) != 1 {
		t.Errorf("progress = %v, want one event before the failure", progress)
	}
}

func TestWriterWriteTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	char := &mockCharacteristic{block: block}
	w := NewWriter(WriterOptions{FrameSize: 10, FrameDelay: -1, Timeout: 20 * time.Millisecond})

	err := w.Write(context.Background(), char, []byte("hello"), nil)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("Write() error = %v, want *FrameError", err)
	}
	if fe.Index != 0 {
		t.Errorf("FrameError.Index = %d, want 0", fe.Index)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error should wrap context.DeadlineExceeded, got %v", err)
	}
}

func TestWriterPacesBetweenFramesOnly(t *testing.T) {
	char := &mockCharacteristic{}
	delay := 30 * time.Millisecond
	w := NewWriter(WriterOptions{FrameSize: 1, FrameDelay: delay, Timeout: time.Second})

	start := time.Now()
	if err := w.Write(context.Background(), char, []byte("abc"), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	elapsed := time.Since(start)

	// Three frames, two gaps.
	if elapsed < 2*delay {
		t.Errorf("elapsed %v, want >= %v", elapsed, 2*delay)
	}
}

func TestWriterNoDelayAfterLastFrame(t *testing.T) {
	char := &mockCharacteristic{}
	w := NewWriter(WriterOptions{FrameSize: 512, FrameDelay: time.Hour, Timeout: time.Second})

	done := make(chan error, 1)
	go func() { done <- w.Write(context.Background(), char, []byte("single frame"), nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write() paced after the final frame")
	}
}

func TestWriterCancelBetweenFrames(t *testing.T) {
	char := &mockCharacteristic{}
	w := NewWriter(WriterOptions{FrameSize: 1, FrameDelay: time.Hour, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Write(ctx, char, []byte("abc"), func(float64) { cancel() })
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Write() error = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrTransferFailed) {
			t.Error("cancellation must not be reported as a transfer failure")
		}
	case <-time.After(time.Second):
		t.Fatal("Write() did not honor cancellation during pacing")
	}
	if char.writeCount() != 1 {
		t.Errorf("%d frames written, want 1", char.writeCount())
	}
}

func TestWriterCancelWaitsForInFlightFrame(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	char := &mockCharacteristic{block: block, entered: entered}
	w := NewWriter(WriterOptions{FrameSize: 10, FrameDelay: -1, Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Write(ctx, char, []byte("hello"), nil) }()

	<-entered
	cancel()

	select {
	case err := <-done:
		t.Fatalf("Write() returned %v while the frame was still in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Write() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write() did not return after the frame completed")
	}
	if char.writeCount() != 1 {
		t.Errorf("%d frames written, want 1", char.writeCount())
	}
}

func TestNewWriterDefaults(t *testing.T) {
	opts := NewWriter(WriterOptions{}).Options()
	def := DefaultWriterOptions()
	if opts != def {
		t.Errorf("NewWriter(zero) options = %+v, want %+v", opts, def)
	}
}
