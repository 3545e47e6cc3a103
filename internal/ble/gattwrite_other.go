//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeFrame goes through BlueZ WriteValue on Linux. With no "type" option
// BlueZ sends a write request when the characteristic supports it and waits
// for the response, so the call still blocks until the frame is acknowledged.
func writeFrame(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
