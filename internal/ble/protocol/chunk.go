// internal/ble/protocol/chunk.go
package protocol

// MaxFrameBytes is the largest single GATT write the provisioning firmware
// accepts (ATT MTU 517 minus the 3-byte write header, rounded down).
const MaxFrameBytes = 512

// FrameCount returns how many frames of at most maxBytes are needed to carry
// n bytes. Zero bytes need zero frames. Returns 0 if maxBytes <= 0.
func FrameCount(n, maxBytes int) int {
	if n <= 0 || maxBytes <= 0 {
		return 0
	}
	return (n + maxBytes - 1) / maxBytes
}

// Frames splits payload into consecutive frames of at most maxBytes each.
// Every frame except possibly the last is exactly maxBytes long, and the
// frames concatenate back to payload. Frames alias payload; callers must not
// mutate it while the frames are in use. Returns nil for an empty payload or
// maxBytes <= 0.
func Frames(payload []byte, maxBytes int) [][]byte {
	count := FrameCount(len(payload), maxBytes)
	if count == 0 {
		return nil
	}

	frames := make([][]byte, 0, count)
	for len(payload) > 0 {
		split := maxBytes
		if len(payload) < split {
			split = len(payload)
		}
		// Cap the capacity so an append on one frame never spills into the next.
		frames = append(frames, payload[:split:split])
		payload = payload[split:]
	}
	return frames
}
