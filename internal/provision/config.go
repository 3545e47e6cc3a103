package provision

import (
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// Config is the configuration written to a device.
type Config struct {
	NetworkName   string // Wi-Fi SSID
	NetworkSecret string // Wi-Fi passphrase; empty for an open network
	RendezvousURL string // server the device connects to after reboot
	Asset         []byte // optional opaque blob (background image); empty for none
}

// HasAsset reports whether an asset will be transferred.
func (c Config) HasAsset() bool { return len(c.Asset) > 0 }

// clone copies the asset so later caller mutations cannot leak into a transfer.
func (c Config) clone() Config {
	if c.Asset != nil {
		c.Asset = append([]byte(nil), c.Asset...)
	}
	return c
}

// Validate checks user input before submission. The session itself does
// not validate.
func (c Config) Validate() error {
	if c.NetworkName == "" {
		return fmt.Errorf("network name must not be empty")
	}
	if len(c.NetworkName) > 32 {
		return fmt.Errorf("network name must be at most 32 bytes, got %d", len(c.NetworkName))
	}
	if !utf8.ValidString(c.NetworkName) {
		return fmt.Errorf("network name must be valid UTF-8")
	}
	if len(c.NetworkSecret) > 64 {
		return fmt.Errorf("network secret must be at most 64 bytes, got %d", len(c.NetworkSecret))
	}
	if n := len(c.NetworkSecret); n > 0 && n < 8 {
		return fmt.Errorf("network secret must be empty or at least 8 bytes, got %d", n)
	}

	u, err := url.Parse(c.RendezvousURL)
	if err != nil {
		return fmt.Errorf("rendezvous URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("rendezvous URL scheme must be ws, wss, http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("rendezvous URL must include a host")
	}
	return nil
}

type fieldPayload struct {
	field protocol.Field
	data  []byte
}

// payloads returns what to write, in transfer order.
func (c Config) payloads() []fieldPayload {
	var out []fieldPayload
	for _, f := range protocol.TransferOrder() {
		var data []byte
		switch f {
		case protocol.FieldNetworkName:
			data = []byte(c.NetworkName)
		case protocol.FieldNetworkSecret:
			data = []byte(c.NetworkSecret)
		case protocol.FieldRendezvousURL:
			data = []byte(c.RendezvousURL)
		case protocol.FieldAsset:
			if !c.HasAsset() {
				continue
			}
			data = c.Asset
		default:
			continue
		}
		out = append(out, fieldPayload{field: f, data: data})
	}
	return out
}
