package provision

import (
	"errors"
	"fmt"
)

// Step is the position of a session in the provisioning workflow.
type Step int

const (
	StepIdle Step = iota
	StepConnecting
	StepAwaitingConfig
	StepCheckingRegistration
	StepTransferring
	StepCompleting
	StepDone
	StepErrored
	StepCancelled
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepConnecting:
		return "connecting"
	case StepAwaitingConfig:
		return "awaiting_config"
	case StepCheckingRegistration:
		return "checking_registration"
	case StepTransferring:
		return "transferring"
	case StepCompleting:
		return "completing"
	case StepDone:
		return "done"
	case StepErrored:
		return "errored"
	case StepCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Terminal reports whether no further transitions except release are possible.
func (s Step) Terminal() bool {
	return s == StepDone || s == StepCancelled
}

// trigger is what drives a transition.
type trigger int

const (
	trigStart trigger = iota
	trigConnected
	trigSubmit
	trigCreated
	trigConflict
	trigTransferred
	trigCompleted
	trigFail
	trigCancel
)

func (t trigger) String() string {
	return [...]string{
		"start", "connected", "submit", "created", "conflict",
		"transferred", "completed", "fail", "cancel",
	}[t]
}

// ErrInvalidTransition is returned when an operation is not allowed in the
// current step.
var ErrInvalidTransition = errors.New("provision: invalid transition")

// transitions lists every legal (step, trigger) pair. trigFail and
// trigCancel are handled in next.
var transitions = map[Step]map[trigger]Step{
	StepIdle: {
		trigStart: StepConnecting,
	},
	StepConnecting: {
		trigConnected: StepAwaitingConfig,
	},
	StepAwaitingConfig: {
		trigSubmit: StepCheckingRegistration,
	},
	StepCheckingRegistration: {
		trigCreated:  StepTransferring,
		trigConflict: StepDone,
	},
	StepTransferring: {
		trigTransferred: StepCompleting,
	},
	StepCompleting: {
		trigCompleted: StepDone,
	},
	// Retrying a rejected registration reuses the link.
	StepErrored: {
		trigSubmit: StepCheckingRegistration,
	},
}

// next returns the step reached from s on t.
func next(s Step, t trigger) (Step, error) {
	switch t {
	case trigCancel:
		if s == StepCancelled {
			break
		}
		return StepCancelled, nil
	case trigFail:
		if s.Terminal() || s == StepIdle || s == StepErrored {
			break
		}
		return StepErrored, nil
	default:
		if to, ok := transitions[s][t]; ok {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, t)
}
