package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// ScanForDevices scans for devices advertising the provisioning service.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if !adapter.Supported() {
		return nil, ErrUnsupported
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, protocol.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
