package provision

import (
	"fmt"

	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// Outcome is how a finished session ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeProvisioned means every field was written and the device reset.
	OutcomeProvisioned
	// OutcomeAlreadyRegistered means the backend already knew the device and
	// nothing was written to it.
	OutcomeAlreadyRegistered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeProvisioned:
		return "provisioned"
	case OutcomeAlreadyRegistered:
		return "already_registered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EventKind tells subscribers which Event fields are meaningful.
type EventKind int

const (
	// EventStep reports a step change (Step, plus Err/Outcome where relevant).
	EventStep EventKind = iota
	// EventFieldProgress reports frames acknowledged for one field (Field, Fraction).
	EventFieldProgress
	// EventProgress reports combined progress across all fields (Fraction).
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventFieldProgress:
		return "field_progress"
	case EventProgress:
		return "progress"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one entry of the session's notification stream.
type Event struct {
	Kind     EventKind
	Step     Step
	Field    protocol.Field
	Fraction float64
	Outcome  Outcome
	Err      error
}
