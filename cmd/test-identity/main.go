// Command test-identity is a manual test for device identification.
// It scans, connects to the first device advertising the provisioning
// service (or the one given with --mac), prints the resolved identity and
// disconnects without writing anything.
//
// Usage:
//
//	go run ./cmd/test-identity [--mac AA:BB:CC:DD:EE:FF] [--locale zh-Hans]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"golang.org/x/text/language"

	"github.com/chaz8081/echoprov/internal/ble"
	"github.com/chaz8081/echoprov/internal/identity"
)

func main() {
	mac := flag.String("mac", "", "device address (default: first device found)")
	locale := flag.String("locale", "en", "locale for the unknown-device placeholder")
	timeout := flag.Duration("timeout", 10*time.Second, "scan timeout")
	flag.Parse()

	tag, err := language.Parse(*locale)
	if err != nil {
		fmt.Printf("Error: invalid locale %q: %v\n", *locale, err)
		return
	}

	var selector ble.Selector = ble.SelectorFunc(func(_ context.Context, devices []ble.Device) (ble.Device, error) {
		for _, d := range devices {
			fmt.Printf("  found %s (%s) %d dBm\n", d.Name, d.MAC, d.RSSI)
		}
		return devices[0], nil
	})
	if *mac != "" {
		selector = ble.MACSelector(*mac)
	}

	opts := ble.DefaultTransportOptions()
	opts.ScanTimeout = *timeout
	t := ble.NewTransport(ble.NewTinyGoAdapter(), selector, opts)

	fmt.Printf("Scanning for %s...\n", *timeout)
	ctx := context.Background()
	device, err := t.Connect(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer t.Disconnect()
	fmt.Printf("Connected to %s (%s)\n", device.Name, device.MAC)

	ident, err := identity.NewResolver(tag).Resolve(ctx, t)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("\nID:           %s\n", ident.ID)
	fmt.Printf("Display name: %s\n", ident.DisplayName)
	fmt.Printf("Address:      %s\n", ident.Address)
	fmt.Printf("Synthesized:  %v\n", ident.Synthesized)

	fmt.Println("\nDone!")
}
