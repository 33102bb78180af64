package stall

import "github.com/loykin/syncguard/internal/classify"

// DefaultIdleLimit is the idle count at which a run is considered stalled.
const DefaultIdleLimit = 3

// State is a snapshot of the tracker.
type State struct {
	Last uint64 `json:"last"`
	Idle uint64 `json:"idle"`
}

// Stalled reports whether the idle count has reached limit. With limit 3, the fourth identical
// value in a row (three repeats after the first) stalls the run. A zero limit never stalls.
func (s State) Stalled(limit uint64) bool { return limit > 0 && s.Idle >= limit }

// Tracker counts consecutive repeats of a progress value. The zero value starts at (0, 0).
// Not safe for concurrent use; one Tracker belongs to one run's reader.
type Tracker struct {
	st State
}

// Observe feeds a signal into the tracker and returns the resulting state.
// Only signals carrying a progress value change state.
func (t *Tracker) Observe(sig classify.Signal) State {
	if !sig.HasValue {
		return t.st
	}
	if sig.Value == t.st.Last {
		t.st.Idle++
	} else {
		t.st.Last = sig.Value
		t.st.Idle = 0
	}
	return t.st
}

// State returns the current state without modifying it.
func (t *Tracker) State() State { return t.st }

// Reset returns the tracker to its initial state.
func (t *Tracker) Reset() { t.st = State{} }
