//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeFrame issues a GATT write request, so a nil error means the peer
// acknowledged the frame.
func writeFrame(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
