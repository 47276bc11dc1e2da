package rotation

import (
	"fmt"
	"time"
)

// State is a key lifecycle state.
type State string

const (
	StateDiscovering      State = "Discovering"
	StateBackingUp        State = "BackingUp"
	StateRetiringOld      State = "RetiringOld"
	StateMinting          State = "Minting"
	StateInstalling       State = "Installing"
	StateConfirmingNewKey State = "ConfirmingNewKey"
	StateCommitted        State = "Committed"
	StateFailed           State = "Failed"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateFailed
}

// ValidTransitions defines the allowed lifecycle transitions. Every
// non-terminal state may also fail.
var ValidTransitions = map[State][]State{
	StateDiscovering:      {StateBackingUp, StateFailed},
	StateBackingUp:        {StateRetiringOld, StateFailed},
	StateRetiringOld:      {StateMinting, StateFailed},
	StateMinting:          {StateInstalling, StateFailed},
	StateInstalling:       {StateConfirmingNewKey, StateFailed},
	StateConfirmingNewKey: {StateCommitted, StateFailed},
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// StateInfo tracks the lifecycle of one run. It is owned by a single
// goroutine.
type StateInfo struct {
	Current State

	// LastGood is the last state that completed successfully.
	LastGood State

	Transitions []Transition
	Err         error
}

// NewStateInfo starts a lifecycle in Discovering.
func NewStateInfo() *StateInfo {
	return &StateInfo{Current: StateDiscovering}
}

// TransitionTo moves to next. Leaving a state for anything but Failed marks
// the left state as good.
func (si *StateInfo) TransitionTo(next State, reason string) error {
	if !si.Current.CanTransitionTo(next) {
		return fmt.Errorf("invalid state transition from %s to %s", si.Current, next)
	}
	si.Transitions = append(si.Transitions, Transition{
		From:      si.Current,
		To:        next,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if next != StateFailed {
		si.LastGood = si.Current
	}
	if next == StateCommitted {
		si.LastGood = StateCommitted
	}
	si.Current = next
	return nil
}

// Fail moves to Failed and records err.
func (si *StateInfo) Fail(err error) {
	if si.Current.IsTerminal() {
		return
	}
	_ = si.TransitionTo(StateFailed, err.Error())
	si.Err = err
}
