// Package protocol describes the EchoKit provisioning GATT service: which
// characteristic carries which configuration field, the order fields are
// written in, and how payloads are framed to fit a single write.
package protocol

import "fmt"

// ServiceUUID is the provisioning service advertised by unconfigured devices.
const ServiceUUID = "623fa3e2-631b-4f8f-a6e7-a7b09c03e7e0"

// Field is a semantic configuration field carried over the provisioning service.
type Field int

const (
	FieldNetworkName Field = iota
	FieldNetworkSecret
	FieldRendezvousURL
	FieldAsset
	FieldIdentity
	FieldReset
)

// Access describes how a channel is used.
type Access int

const (
	AccessWrite Access = iota
	AccessRead
)

// Channel binds a field to its characteristic.
type Channel struct {
	Field    Field
	UUID     string
	Access   Access
	Required bool // connect fails if the device does not expose it
}

var channels = [...]Channel{
	FieldNetworkName:   {FieldNetworkName, "1fda4d6e-2f14-42b0-96fa-453bed238375", AccessWrite, true},
	FieldNetworkSecret: {FieldNetworkSecret, "a987ab18-a940-421a-a1d7-b94ee22bccbe", AccessWrite, true},
	FieldRendezvousURL: {FieldRendezvousURL, "cef520a9-bcb5-4fc6-87f7-82804eee2b20", AccessWrite, true},
	FieldAsset:         {FieldAsset, "d1f3b2c4-5a6e-4f70-8b9c-0d1e2f3a4b5c", AccessWrite, false},
	FieldIdentity:      {FieldIdentity, "d0b1a2c3-e4f5-4a6b-9c8d-7e6f5a4b3c2d", AccessRead, false},
	FieldReset:         {FieldReset, "f0e1d2c3-b4a5-4968-8776-655443322110", AccessWrite, true},
}

// transferOrder is fixed: network credentials first, so an interrupted asset
// transfer still leaves a device that can join the network.
var transferOrder = [...]Field{
	FieldNetworkName,
	FieldNetworkSecret,
	FieldRendezvousURL,
	FieldAsset,
}

// ResetCommand is written to the reset channel once configuration is complete.
var ResetCommand = []byte{0x01}

// Lookup returns the channel bound to f.
func Lookup(f Field) (Channel, bool) {
	if f < 0 || int(f) >= len(channels) {
		return Channel{}, false
	}
	return channels[f], true
}

// ChannelUUID returns the characteristic UUID for f, or "" if f is unknown.
func ChannelUUID(f Field) string {
	ch, ok := Lookup(f)
	if !ok {
		return ""
	}
	return ch.UUID
}

// Channels returns a copy of every channel in the map.
func Channels() []Channel {
	out := make([]Channel, len(channels))
	copy(out, channels[:])
	return out
}

// TransferOrder returns the fields written during a transfer, in write order.
func TransferOrder() []Field {
	out := make([]Field, len(transferOrder))
	copy(out, transferOrder[:])
	return out
}

func (f Field) String() string {
	switch f {
	case FieldNetworkName:
		return "network_name"
	case FieldNetworkSecret:
		return "network_secret"
	case FieldRendezvousURL:
		return "rendezvous_url"
	case FieldAsset:
		return "asset"
	case FieldIdentity:
		return "identity"
	case FieldReset:
		return "reset"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}
