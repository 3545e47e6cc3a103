// Package identity works out which device the console is talking to right
// after a BLE connection is established.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/chaz8081/echoprov/internal/ble"
	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// unknownDevice is both the catalog key and the English text.
const unknownDevice = "Unknown device"

// idPlaceholder stands in for a missing advertised name inside synthesized ids.
const idPlaceholder = "echokit"

func init() {
	_ = message.SetString(language.English, unknownDevice, unknownDevice)
	_ = message.SetString(language.SimplifiedChinese, unknownDevice, "未知设备")
	_ = message.SetString(language.TraditionalChinese, unknownDevice, "未知裝置")
}

// ErrNoDevice means there is no connected peer to identify.
var ErrNoDevice = errors.New("identity: no connected device")

// Identity identifies a connected device.
type Identity struct {
	ID          string
	DisplayName string
	Address     string // transport peer address
	Synthesized bool   // ID was generated locally, not read from the device
}

// Source is the part of the transport the resolver needs.
type Source interface {
	Peer() (ble.Device, bool)
	Read(ctx context.Context, field protocol.Field) ([]byte, error)
}

// Resolver produces identities. Synthesized ids are unique per Resolver.
type Resolver struct {
	printer *message.Printer
	now     func() time.Time

	mu   sync.Mutex
	last int64 // last stamp handed out, in unix milliseconds
}

// NewResolver creates a resolver that localizes placeholders for tag.
func NewResolver(tag language.Tag) *Resolver {
	return &Resolver{
		printer: message.NewPrinter(tag),
		now:     time.Now,
	}
}

// Resolve reads the identity channel and falls back to a synthesized id on
// any failure. Only a missing peer is an error.
func (r *Resolver) Resolve(ctx context.Context, src Source) (Identity, error) {
	peer, ok := src.Peer()
	if !ok {
		return Identity{}, ErrNoDevice
	}

	ident := Identity{
		DisplayName: peer.Name,
		Address:     peer.MAC,
	}
	if ident.DisplayName == "" {
		ident.DisplayName = r.Placeholder()
	}

	raw, err := src.Read(ctx, protocol.FieldIdentity)
	if err == nil {
		ident.ID, err = decode(raw)
	}
	if err != nil {
		ident.ID = r.synthesize(peer.Name)
		ident.Synthesized = true
		slog.Warn("[BLE] identity channel unreadable, using synthesized id", "id", ident.ID, "error", err)
		return ident, nil
	}

	slog.Debug("[BLE] identity read from device", "id", ident.ID)
	return ident, nil
}

// Placeholder returns the localized name for a device that advertises none.
func (r *Resolver) Placeholder() string {
	return r.printer.Sprintf(unknownDevice)
}

// decode turns a raw identity value into the backend's id form: trimmed
// text without colons, lower case.
func decode(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("identity is not valid UTF-8")
	}
	id := strings.TrimFunc(string(raw), func(r rune) bool {
		return r == 0 || unicode.IsSpace(r)
	})
	id = strings.ToLower(strings.ReplaceAll(id, ":", ""))
	if id == "" {
		return "", errors.New("identity is empty")
	}
	return id, nil
}

// synthesize builds "<name>-<millis>" with a strictly increasing stamp.
func (r *Resolver) synthesize(name string) string {
	r.mu.Lock()
	stamp := r.now().UnixMilli()
	if stamp <= r.last {
		stamp = r.last + 1
	}
	r.last = stamp
	r.mu.Unlock()

	return fmt.Sprintf("%s-%s", sanitize(name), strconv.FormatInt(stamp, 10))
}

// sanitize keeps ids safe to use as URL path segments.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return idPlaceholder
	}
	return strings.Map(func(r rune) rune {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return r
		}
		return '_'
	}, name)
}
