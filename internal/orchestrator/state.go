package orchestrator

import "sync/atomic"

// State is one position in the execution state machine (spec.md §4.5).
type State int32

const (
	StateQueued State = iota
	StatePreparing
	StateLaunching
	StateRunning
	StateCompleted
	StateStopped
	StateTimeout
	StateOOM
	StateKilled
	StateCrashed
	StateSetupFailed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePreparing:
		return "preparing"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateTimeout:
		return "timeout"
	case StateOOM:
		return "oom"
	case StateKilled:
		return "killed"
	case StateCrashed:
		return "crashed"
	case StateSetupFailed:
		return "setup-failed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a state is final — no further transition is
// permitted (spec.md invariant 3: an Execution reaches a terminal state at
// most once).
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateTimeout, StateOOM, StateKilled, StateCrashed, StateSetupFailed, StateRejected:
		return true
	default:
		return false
	}
}

// stateBox wraps the atomic state field every execution fibre owns
// exclusively, matching the CAS discipline internal/sandbox/v2/executor.go
// uses for its atomic counters, generalized to a full state machine.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) cas(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

// terminate races the current state against the terminal reason, refusing
// to overwrite an already-terminal state. Exactly one caller observes
// success == true for a given execution; every Stop/AdminKill call after
// that gets the already-set terminal state.
func (b *stateBox) terminate(reason State) (State, bool) {
	for {
		cur := b.load()
		if cur.IsTerminal() {
			return cur, false
		}
		if b.v.CompareAndSwap(int32(cur), int32(reason)) {
			return reason, true
		}
	}
}
