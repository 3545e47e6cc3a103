package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/chaz8081/echoprov/internal/provision"
)

// progressPrinter renders session events as status lines and an
// in-place transfer progress line.
type progressPrinter struct {
	w       io.Writer
	inLine  bool // last output was a \r progress line
	overall float64
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

// run consumes events until the channel is closed.
func (p *progressPrinter) run(events <-chan provision.Event) {
	for ev := range events {
		p.handle(ev)
	}
	p.endLine()
}

func (p *progressPrinter) handle(ev provision.Event) {
	switch ev.Kind {
	case provision.EventFieldProgress:
		p.inLine = true
		fmt.Fprintf(p.w, "\r  %-16s %3.0f%%  (overall %3.0f%%)", ev.Field, ev.Fraction*100, p.overall*100)
	case provision.EventProgress:
		p.overall = ev.Fraction
	case provision.EventStep:
		p.endLine()
		if msg := stepMessage(ev); msg != "" {
			fmt.Fprintln(p.w, msg)
		}
	}
}

func (p *progressPrinter) endLine() {
	if p.inLine {
		fmt.Fprintln(p.w)
		p.inLine = false
	}
}

func stepMessage(ev provision.Event) string {
	switch ev.Step {
	case provision.StepIdle:
		if ev.Err != nil {
			return fmt.Sprintf("Cannot start: %v", ev.Err)
		}
	case provision.StepConnecting:
		return "Scanning and connecting..."
	case provision.StepAwaitingConfig:
		return "Connected."
	case provision.StepCheckingRegistration:
		return "Registering device..."
	case provision.StepTransferring:
		return "Writing configuration..."
	case provision.StepCompleting:
		return "Resetting device..."
	case provision.StepDone:
		if errors.Is(ev.Err, provision.ErrRegistrationConflict) {
			return "Device already registered, transfer skipped."
		}
		return "Done."
	case provision.StepErrored:
		var te *provision.TransferError
		if errors.As(ev.Err, &te) {
			return fmt.Sprintf("Writing %s failed at frame %d: %v", te.Field, te.Frame, te.Err)
		}
		return fmt.Sprintf("Failed: %v", ev.Err)
	}
	return ""
}
