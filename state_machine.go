package main

import (
	"fmt"
	"sync"
)

// ========================================
// Crawl State Machine
// ========================================

// CrawlState represents the lifecycle state of a crawl run
type CrawlState string

const (
	StateUninitialized CrawlState = "UNINITIALIZED"
	StateInitializing  CrawlState = "INITIALIZING"
	StateRunning       CrawlState = "RUNNING"
	StatePausedManual  CrawlState = "PAUSED_MANUAL"
	StateStopping      CrawlState = "STOPPING"
	StateStopped       CrawlState = "STOPPED"
	StateError         CrawlState = "ERROR"
)

// legalTransitions maps each state to the states it may transition to.
// ERROR is reachable from anywhere via ForceError.
var legalTransitions = map[CrawlState][]CrawlState{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateRunning, StateError},
	StateRunning:       {StatePausedManual, StateStopping, StateError},
	StatePausedManual:  {StateRunning, StateStopping, StateError},
	StateStopping:      {StateStopped, StateError},
	StateStopped:       {StateInitializing},
	StateError:         {StateInitializing},
}

// CrawlStateMachine tracks and guards the crawl lifecycle state
type CrawlStateMachine struct {
	mu       sync.RWMutex
	state    CrawlState
	onChange func(old, new CrawlState)
}

// NewCrawlStateMachine creates a state machine in UNINITIALIZED.
// onChange may be nil; it is invoked outside the lock after each
// successful transition.
func NewCrawlStateMachine(onChange func(old, new CrawlState)) *CrawlStateMachine {
	return &CrawlStateMachine{
		state:    StateUninitialized,
		onChange: onChange,
	}
}

// State returns the current state
func (m *CrawlStateMachine) State() CrawlState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TransitionTo moves to the next state, rejecting illegal transitions
func (m *CrawlStateMachine) TransitionTo(next CrawlState) error {
	m.mu.Lock()
	old := m.state

	allowed := false
	for _, s := range legalTransitions[old] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("illegal state transition: %s -> %s", old, next)
	}

	m.state = next
	m.mu.Unlock()

	LogDebug("state").Str("from", string(old)).Str("to", string(next)).Msg("Crawl state changed")
	if m.onChange != nil {
		m.onChange(old, next)
	}
	return nil
}

// ForceError moves to ERROR from any state
func (m *CrawlStateMachine) ForceError() {
	m.mu.Lock()
	old := m.state
	if old == StateError {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	m.mu.Unlock()

	LogDebug("state").Str("from", string(old)).Str("to", string(StateError)).Msg("Crawl state forced to error")
	if m.onChange != nil {
		m.onChange(old, StateError)
	}
}
