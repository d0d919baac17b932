package satip

import "sync"

// TunerState is one of the five tuner lifecycle states.
type TunerState int

const (
	StateIdle TunerState = iota
	StateRelease
	StateSet
	StateTuned
	StateLocked
)

func (s TunerState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRelease:
		return "Release"
	case StateSet:
		return "Set"
	case StateTuned:
		return "Tuned"
	case StateLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// TransitionClass distinguishes engine-generated (Internal) transitions,
// which always drain before caller-generated (External) ones.
type TransitionClass int

const (
	Internal TransitionClass = iota
	External
)

// StateMachine holds the current tuner state and two transition FIFOs.
// Internal transitions always preempt external ones: at most one internal
// item, else at most one external item, is consumed per DrainNext call.
type StateMachine struct {
	mu       sync.Mutex
	current  TunerState
	internal []TunerState
	external []TunerState
	wake     chan struct{}
}

// NewStateMachine returns a state machine initialized to Idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
		wake:    make(chan struct{}, 1),
	}
}

// Current returns the tuner's current state.
func (m *StateMachine) Current() TunerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RequestState enqueues state on the named queue. Internal requests are
// subject to a minimal legality check: when the last queued internal state
// (or, with that queue empty, the current state) is Idle, Release is
// rejected. Every other (from, to) pair, on either
// queue, is queued unconditionally; only Idle→Release is forbidden,
// nothing else is special-cased.
// Returns false if the internal legality check rejects the request.
func (m *StateMachine) RequestState(state TunerState, class TransitionClass) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if class == Internal {
		last := m.current
		if len(m.internal) > 0 {
			last = m.internal[len(m.internal)-1]
		}
		if last == StateIdle && state == StateRelease {
			return false
		}
		m.internal = append(m.internal, state)
	} else {
		m.external = append(m.external, state)
	}

	m.signalLocked()
	return true
}

func (m *StateMachine) signalLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wake returns the edge-triggered wake channel: a receive on it unblocks
// once per coalesced burst of signals, never accumulating a count.
func (m *StateMachine) Wake() <-chan struct{} {
	return m.wake
}

// DrainNext consumes and applies at most one internal transition; if none
// is queued, at most one external transition. Returns the new current
// state and whether any transition was applied.
func (m *StateMachine) DrainNext() (TunerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.internal) > 0 {
		next := m.internal[0]
		m.internal = m.internal[1:]
		m.current = next
		return next, true
	}
	if len(m.external) > 0 {
		next := m.external[0]
		m.external = m.external[1:]
		m.current = next
		return next, true
	}
	return m.current, false
}

// PendingInternal reports the number of queued internal transitions.
func (m *StateMachine) PendingInternal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.internal)
}

// PendingExternal reports the number of queued external transitions.
func (m *StateMachine) PendingExternal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.external)
}
