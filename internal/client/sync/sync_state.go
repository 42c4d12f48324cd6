package sync

import (
	"fmt"
	"log/slog"
	"sync"
)

// EngineState is the engine-wide lifecycle state.
type EngineState string

const (
	StateIdle    EngineState = "idle"
	StateSyncing EngineState = "syncing"
	StatePaused  EngineState = "paused"
	StateError   EngineState = "error"
	StateOffline EngineState = "offline"
)

// ErrNotRunnable is returned when a pass is requested in a state that does
// not permit one.
type ErrNotRunnable struct {
	State EngineState
}

func (e *ErrNotRunnable) Error() string {
	return fmt.Sprintf("sync not runnable in state %q", e.State)
}

// StateMachine serializes engine-state transitions. Offline remembers the
// state it interrupted and restores it when connectivity returns.
type StateMachine struct {
	mu      sync.Mutex
	state   EngineState
	resume  EngineState // state to restore when leaving Offline
	lastErr error
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle, resume: StateIdle}
}

func (m *StateMachine) State() EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// BeginSync gates a reconciliation pass: only Idle may enter Syncing.
// Paused, Error and Offline refuse; Syncing refuses reentry.
func (m *StateMachine) BeginSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return &ErrNotRunnable{State: m.state}
	}
	m.setLocked(StateSyncing)
	return nil
}

// FinishSync leaves Syncing: back to Idle on success, to Error on an
// engine-level failure. A pause requested mid-pass lands in Paused.
func (m *StateMachine) FinishSync(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSyncing {
		// pass ended after a pause or offline transition; keep that state
		return
	}
	if err != nil {
		m.lastErr = err
		m.setLocked(StateError)
		return
	}
	m.lastErr = nil
	m.setLocked(StateIdle)
}

// Pause stops new passes. A running pass observes this through its context.
func (m *StateMachine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOffline {
		m.resume = StatePaused
		return
	}
	m.setLocked(StatePaused)
}

// Resume returns a Paused engine to Idle so the next trigger starts a pass.
func (m *StateMachine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOffline {
		m.resume = StateIdle
		return
	}
	if m.state == StatePaused {
		m.setLocked(StateIdle)
	}
}

// Retry clears an Error state after an operator-triggered retry.
func (m *StateMachine) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateError {
		m.lastErr = nil
		m.setLocked(StateIdle)
	}
}

// SetOffline records a transport connectivity loss, remembering where to
// return once the server answers again.
func (m *StateMachine) SetOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOffline {
		return
	}
	switch m.state {
	case StatePaused:
		m.resume = StatePaused
	default:
		m.resume = StateIdle
	}
	m.setLocked(StateOffline)
}

// SetOnline exits Offline into whatever state preceded it.
func (m *StateMachine) SetOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOffline {
		return
	}
	m.setLocked(m.resume)
}

func (m *StateMachine) setLocked(next EngineState) {
	if m.state == next {
		return
	}
	slog.Debug("engine state", "from", m.state, "to", next)
	m.state = next
}
