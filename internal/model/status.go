package model

import "fmt"

const (
	StatePending     = "pending"
	StateDownloading = "downloading"
	StateDownloaded  = "downloaded"
	StateParsing     = "parsing"
	StateDone        = "done"
	StateFailed      = "failed"
)

// allowedTransitions encodes the forward-only per-prefix state machine.
// The only backward edges are the bounded-retry ones (downloading back to
// pending, parsing back to downloaded) and the explicit force-reset of a
// failed or done prefix back to pending.
var allowedTransitions = map[string]map[string]bool{
	"": {
		StatePending: true,
	},
	StatePending: {
		StatePending:     true,
		StateDownloading: true,
		StateFailed:      true,
	},
	StateDownloading: {
		StateDownloading: true,
		StateDownloaded:  true,
		StatePending:     true, // transfer failed, attempts remain
		StateFailed:      true,
	},
	StateDownloaded: {
		StateDownloaded: true,
		StateParsing:    true,
		StatePending:    true, // local file missing, needs re-download
		StateFailed:     true,
	},
	StateParsing: {
		StateParsing:    true,
		StateDone:       true,
		StateDownloaded: true, // parse failed, attempts remain
		StateFailed:     true,
	},
	StateDone: {
		StateDone:    true,
		StatePending: true, // explicit force-reset only
	},
	StateFailed: {
		StateFailed:  true,
		StatePending: true, // explicit force-reset only
	},
}

func IsKnownState(state string) bool {
	_, ok := allowedTransitions[state]
	return ok
}

// IsTerminal reports whether a prefix in this state needs no further work.
func IsTerminal(state string) bool {
	return state == StateDone || state == StateFailed
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves a record to the target state, recording the reason.
// It rejects any edge outside the state machine.
func Transition(rec *ProjectRecord, toState string, reason string) error {
	from := rec.State
	if !CanTransition(from, toState) {
		return fmt.Errorf("invalid state transition: %q -> %q (prefix=%s)", from, toState, rec.Prefix)
	}
	rec.State = toState
	rec.Reason = reason
	return nil
}
