package ble

import (
	"errors"
	"testing"
	"time"
)

func TestScanForDevices(t *testing.T) {
	adapter := newMockAdapter([]Device{testDevice})

	result, err := ScanForDevices(adapter, 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d devices, want 1", len(result))
	}
	if result[0].Name != "EchoKit-1A2B" {
		t.Errorf("Name = %q, want %q", result[0].Name, "EchoKit-1A2B")
	}
	if result[0].MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MAC = %q, want %q", result[0].MAC, "AA:BB:CC:DD:EE:FF")
	}
}

func TestScanForDevicesEmpty(t *testing.T) {
	adapter := newMockAdapter(nil)
	result, err := ScanForDevices(adapter, 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("got %d devices, want 0", len(result))
	}
}

func TestScanForDevicesUnsupported(t *testing.T) {
	adapter := newMockAdapter([]Device{testDevice})
	adapter.unsupported = true
	if _, err := ScanForDevices(adapter, time.Second); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("ScanForDevices() error = %v, want ErrUnsupported", err)
	}
}

func TestScanForDevicesEnableError(t *testing.T) {
	adapter := newMockAdapter([]Device{testDevice})
	adapter.enableErr = errors.New("adapter powered off")
	if _, err := ScanForDevices(adapter, time.Second); err == nil {
		t.Fatal("ScanForDevices() should fail when the adapter cannot be enabled")
	}
}
