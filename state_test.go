package satip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachineInitialStateIdle(t *testing.T) {
	m := NewStateMachine()
	require.Equal(t, StateIdle, m.Current())
}

func TestStateMachineIdleToReleaseRejectedInternally(t *testing.T) {
	m := NewStateMachine()
	require.False(t, m.RequestState(StateRelease, Internal))
	require.Equal(t, 0, m.PendingInternal())
}

func TestStateMachineIdleToSetAllowedInternally(t *testing.T) {
	m := NewStateMachine()
	require.True(t, m.RequestState(StateSet, Internal))
	require.Equal(t, 1, m.PendingInternal())
}

func TestStateMachineExternalAcceptsAnyTarget(t *testing.T) {
	m := NewStateMachine()
	require.True(t, m.RequestState(StateRelease, External))
	require.Equal(t, 1, m.PendingExternal())
}

func TestStateMachineInternalPreemptsExternal(t *testing.T) {
	m := NewStateMachine()
	m.RequestState(StateSet, External)
	m.RequestState(StateSet, Internal)

	next, ok := m.DrainNext()
	require.True(t, ok)
	require.Equal(t, StateSet, next)
	require.Equal(t, 0, m.PendingInternal())
	require.Equal(t, 1, m.PendingExternal())
}

func TestStateMachineDrainsExternalWhenInternalEmpty(t *testing.T) {
	m := NewStateMachine()
	m.RequestState(StateSet, External)
	next, ok := m.DrainNext()
	require.True(t, ok)
	require.Equal(t, StateSet, next)
}

func TestStateMachineDrainNextNoneQueued(t *testing.T) {
	m := NewStateMachine()
	_, ok := m.DrainNext()
	require.False(t, ok)
}

func TestStateMachineWakeCoalesces(t *testing.T) {
	m := NewStateMachine()
	m.RequestState(StateSet, External)
	m.RequestState(StateSet, External)
	select {
	case <-m.Wake():
	default:
		t.Fatal("expected a coalesced wake signal")
	}
	select {
	case <-m.Wake():
		t.Fatal("wake should have collapsed to a single pending signal")
	default:
	}
}

func TestStateMachineStringer(t *testing.T) {
	require.Equal(t, "Locked", StateLocked.String())
	require.Equal(t, "Idle", StateIdle.String())
}
