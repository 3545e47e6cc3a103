package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/chaz8081/echoprov/internal/ble"
)

// promptSelector asks the operator to pick a device from the scan result.
// An empty answer or "q" dismisses the prompt.
type promptSelector struct {
	in  io.Reader
	out io.Writer
}

func (p *promptSelector) Select(ctx context.Context, devices []ble.Device) (ble.Device, error) {
	printDevices(p.out, devices)
	fmt.Fprintf(p.out, "Select device [1-%d, q to quit]: ", len(devices))

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- answer{strings.TrimSpace(line), err}
	}()

	var a answer
	select {
	case a = <-ch:
	case <-ctx.Done():
		return ble.Device{}, ble.ErrUserCancelled
	}
	if a.err != nil && a.err != io.EOF {
		return ble.Device{}, fmt.Errorf("reading selection: %w", a.err)
	}
	if a.line == "" || strings.EqualFold(a.line, "q") {
		return ble.Device{}, ble.ErrUserCancelled
	}

	n, err := strconv.Atoi(a.line)
	if err != nil || n < 1 || n > len(devices) {
		return ble.Device{}, fmt.Errorf("invalid selection %q", a.line)
	}
	return devices[n-1], nil
}

func printDevices(w io.Writer, devices []ble.Device) {
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "  %d) %-24s %s  %d dBm\n", i+1, name, d.MAC, d.RSSI)
	}
}

// readSecret prompts for a passphrase without echo when in is a terminal,
// and reads a plain line otherwise.
func readSecret(in *os.File, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
