package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// Selector picks the device to provision from a scan result. It stands in
// for the OS device chooser; returning ErrUserCancelled dismisses it.
type Selector interface {
	Select(ctx context.Context, devices []Device) (Device, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, devices []Device) (Device, error)

func (f SelectorFunc) Select(ctx context.Context, devices []Device) (Device, error) {
	return f(ctx, devices)
}

// MACSelector selects the device with the given address, or fails if it was
// not seen during the scan.
func MACSelector(mac string) Selector {
	return SelectorFunc(func(_ context.Context, devices []Device) (Device, error) {
		for _, d := range devices {
			if strings.EqualFold(d.MAC, mac) {
				return d, nil
			}
		}
		return Device{}, fmt.Errorf("device %s not found", mac)
	})
}

// TransportOptions configures the provisioning transport.
type TransportOptions struct {
	ScanTimeout time.Duration // how long to scan before offering devices (default 10s)
	OpTimeout   time.Duration // bound on connect, discovery, read, disconnect (default 5s)
	NameFilter  string        // only offer devices whose name has this prefix
}

// DefaultTransportOptions returns sensible defaults.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		ScanTimeout: 10 * time.Second,
		OpTimeout:   5 * time.Second,
	}
}

// Transport owns the single BLE link to a device being provisioned.
// It knows which characteristic backs which field but nothing about
// the values written to them.
type Transport struct {
	adapter  Adapter
	selector Selector
	opts     TransportOptions

	mu        sync.Mutex
	conn      Connection
	peer      Device
	chars     map[protocol.Field]Characteristic
	connected bool
	gen       uint64 // bumped per link so a late drop callback cannot clear a newer one

	// radio is held for the whole of every GATT operation on the link, so
	// reads, writes and the final disconnect never overlap.
	radio sync.Mutex
}

// NewTransport creates a transport that scans with adapter and lets selector
// choose the device.
func NewTransport(adapter Adapter, selector Selector, opts TransportOptions) *Transport {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	return &Transport{
		adapter:  adapter,
		selector: selector,
		opts:     opts,
	}
}

// IsSupported reports whether the host can speak BLE. No I/O.
func (t *Transport) IsSupported() bool {
	return t.adapter.Supported()
}

// IsConnected reports the cached connection state. No I/O.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Peer returns the connected device.
func (t *Transport) Peer() (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer, t.connected
}

// Connect scans for devices advertising the provisioning service, asks the
// selector to pick one, connects, and binds every channel of the channel map.
func (t *Transport) Connect(ctx context.Context) (Device, error) {
	if !t.IsSupported() {
		return Device{}, ErrUnsupported
	}
	if t.IsConnected() {
		return Device{}, fmt.Errorf("%w: transport already holds a connection", ErrConnectionFailed)
	}

	if err := t.adapter.Enable(); err != nil {
		return Device{}, fmt.Errorf("%w: enable adapter: %w", ErrConnectionFailed, err)
	}

	devices, err := t.scan(ctx)
	if err != nil {
		return Device{}, err
	}

	device, err := t.selector.Select(ctx, devices)
	if err != nil {
		if errors.Is(err, ErrUserCancelled) || ctx.Err() != nil {
			return Device{}, fmt.Errorf("%w: %w", ErrUserCancelled, err)
		}
		return Device{}, fmt.Errorf("%w: select device: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, t.opts.OpTimeout)
	defer cancel()

	conn, err := t.adapter.Connect(connectCtx, device.MAC)
	if err != nil {
		if ctx.Err() != nil {
			return Device{}, fmt.Errorf("%w: %w", ErrUserCancelled, ctx.Err())
		}
		return Device{}, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	chars, err := t.bind(ctx, conn)
	if err != nil {
		_ = conn.Disconnect()
		if ctx.Err() != nil {
			return Device{}, fmt.Errorf("%w: %w", ErrUserCancelled, ctx.Err())
		}
		return Device{}, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.peer = device
	t.chars = chars
	t.connected = true
	t.mu.Unlock()

	conn.OnDisconnect(func() {
		if t.dropped(gen) {
			slog.Warn("[BLE] link lost", "mac", device.MAC)
		}
	})

	slog.Info("[BLE] connected", "mac", device.MAC, "name", device.Name)
	return device, nil
}

// scan runs one discovery pass bounded by ScanTimeout.
func (t *Transport) scan(ctx context.Context) ([]Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, t.opts.ScanTimeout)
	defer cancel()

	devices, err := t.adapter.Scan(scanCtx, protocol.ServiceUUID)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserCancelled, ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrConnectionFailed, err)
	}

	if t.opts.NameFilter != "" {
		filtered := devices[:0:0]
		for _, d := range devices {
			if strings.HasPrefix(d.Name, t.opts.NameFilter) {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no device advertising %s", ErrConnectionFailed, protocol.ServiceUUID)
	}
	return devices, nil
}

// bind discovers every channel of the channel map on conn.
func (t *Transport) bind(ctx context.Context, conn Connection) (map[protocol.Field]Characteristic, error) {
	chars := make(map[protocol.Field]Characteristic)
	for _, ch := range protocol.Channels() {
		var char Characteristic
		err := withTimeout(ctx, t.opts.OpTimeout, func() error {
			t.radio.Lock()
			defer t.radio.Unlock()
			c, err := conn.DiscoverCharacteristic(protocol.ServiceUUID, ch.UUID)
			char = c
			return err
		})
		if err != nil {
			if ch.Required {
				return nil, fmt.Errorf("discover %s characteristic: %w", ch.Field, err)
			}
			slog.Debug("[BLE] optional characteristic not exposed", "field", ch.Field, "error", err)
			continue
		}
		chars[ch.Field] = char
	}
	return chars, nil
}

// Channel returns the characteristic bound to field. Operations on it are
// serialized with every other operation on the link.
func (t *Transport) Channel(field protocol.Field) (Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}
	char, ok := t.chars[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnavailable, field)
	}
	return &linkCharacteristic{t: t, char: char}, nil
}

// linkCharacteristic holds the radio lock around each call.
type linkCharacteristic struct {
	t    *Transport
	char Characteristic
}

func (c *linkCharacteristic) Write(data []byte) error {
	c.t.radio.Lock()
	defer c.t.radio.Unlock()
	return c.char.Write(data)
}

func (c *linkCharacteristic) Read() ([]byte, error) {
	c.t.radio.Lock()
	defer c.t.radio.Unlock()
	return c.char.Read()
}

// Read reads the characteristic bound to field, bounded by OpTimeout. A read
// that times out still holds the radio until it returns, so the next
// operation waits for it.
func (t *Transport) Read(ctx context.Context, field protocol.Field) ([]byte, error) {
	char, err := t.Channel(field)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = withTimeout(ctx, t.opts.OpTimeout, func() error {
		d, err := char.Read()
		data = d
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", field, err)
	}
	return data, nil
}

// Disconnect releases the link. Safe to call when already disconnected or
// never connected; cached state is cleared even if the radio call fails.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.clear()
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Let an abandoned read or write finish before tearing the link down.
	unlock, ok := t.acquireRadio(t.opts.OpTimeout)
	defer unlock()
	if !ok {
		slog.Warn("[BLE] operation still pending, disconnecting anyway", "waited", t.opts.OpTimeout)
	}

	err := withTimeout(context.Background(), t.opts.OpTimeout, conn.Disconnect)
	if err != nil {
		slog.Warn("[BLE] disconnect failed", "error", err)
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	slog.Info("[BLE] disconnected")
	return nil
}

// acquireRadio waits up to d for the radio lock. If it is not free in time
// ok is false and the lock is released as soon as it is obtained.
func (t *Transport) acquireRadio(d time.Duration) (unlock func(), ok bool) {
	locked := make(chan struct{})
	go func() {
		t.radio.Lock()
		close(locked)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-locked:
		return t.radio.Unlock, true
	case <-timer.C:
		go func() {
			<-locked
			t.radio.Unlock()
		}()
		return func() {}, false
	}
}

// dropped clears state after the peer went away. Returns false if gen no
// longer names the current link.
func (t *Transport) dropped(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !t.connected {
		return false
	}
	t.clear()
	return true
}

// clear resets cached connection state (caller must hold mu).
func (t *Transport) clear() {
	t.conn = nil
	t.peer = Device{}
	t.chars = nil
	t.connected = false
}
