package rollback

import (
	"fmt"
	"sync"
	"time"
)

// State is the phase of a root secret restore.
type State string

const (
	// StateIdle means no restore is running for the secret.
	StateIdle State = "idle"

	// StateRestoring means the backed-up data is being written over the
	// root secret.
	StateRestoring State = "restoring"

	// StateConfirming means the restored key is being checked against STS.
	StateConfirming State = "confirming"

	// StateRestored means the root secret holds the backed-up key and that
	// key authenticates.
	StateRestored State = "restored"

	// StateFailed means the attempt ended without a confirmed key.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether an attempt has ended.
func (s State) IsTerminal() bool {
	return s == StateRestored || s == StateFailed
}

// restoreTransitions lists the allowed moves. A retry or a new request
// always passes through idle.
var restoreTransitions = map[State][]State{
	StateIdle:       {StateRestoring},
	StateRestoring:  {StateConfirming, StateFailed},
	StateConfirming: {StateRestored, StateFailed},
	StateRestored:   {StateIdle},
	StateFailed:     {StateIdle},
}

// CanTransitionTo checks if s may move to next.
func (s State) CanTransitionTo(next State) bool {
	for _, valid := range restoreTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}

// Transition is one recorded state change of a restore.
type Transition struct {
	From    State
	To      State
	Attempt int

	// KeyID is the access key the root secret is expected to reference
	// once the transition is made.
	KeyID     string
	Reason    string
	Err       error
	Timestamp time.Time
}

// StateInfo tracks restores of one root secret. Attempt bookkeeping is reset
// by every Begin; the transition log is kept for the life of the manager.
type StateInfo struct {
	mu sync.RWMutex

	Current State

	// Target is the namespace/name of the secret being restored.
	Target string

	BackupID      string
	Reason        string
	RestoredKeyID string
	FailedKeyID   string

	StartedAt   time.Time
	CompletedAt time.Time
	Attempts    int
	Error       error

	Transitions []Transition
}

// NewStateInfo returns an idle StateInfo for target.
func NewStateInfo(target string) *StateInfo {
	return &StateInfo{
		Current: StateIdle,
		Target:  target,
	}
}

// Begin starts a new restore request. It fails while another request for
// the same secret is still running.
func (si *StateInfo) Begin(reason, backupID, restoredKeyID, failedKeyID string, now time.Time) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	if si.Current != StateIdle && !si.Current.IsTerminal() {
		return fmt.Errorf("rollback already in progress for %s (%s)", si.Target, si.Current)
	}
	if si.Current.IsTerminal() {
		si.record(StateIdle, "new request", nil, now)
	}

	si.Reason = reason
	si.BackupID = backupID
	si.RestoredKeyID = restoredKeyID
	si.FailedKeyID = failedKeyID
	si.StartedAt = now
	si.CompletedAt = time.Time{}
	si.Attempts = 0
	si.Error = nil
	return nil
}

// TransitionTo moves to next. Entering restoring starts a new attempt;
// entering a terminal state stamps CompletedAt.
func (si *StateInfo) TransitionTo(next State, reason string, err error) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	if !si.Current.CanTransitionTo(next) {
		return fmt.Errorf("invalid restore transition from %s to %s", si.Current, next)
	}

	now := time.Now()
	if next == StateRestoring {
		si.Attempts++
		si.CompletedAt = time.Time{}
	}
	si.record(next, reason, err, now)

	if next.IsTerminal() {
		si.CompletedAt = now
		si.Error = err
	}
	return nil
}

func (si *StateInfo) record(next State, reason string, err error, now time.Time) {
	keyID := si.RestoredKeyID
	if next == StateFailed || next == StateIdle {
		keyID = ""
	}
	si.Transitions = append(si.Transitions, Transition{
		From:      si.Current,
		To:        next,
		Attempt:   si.Attempts,
		KeyID:     keyID,
		Reason:    reason,
		Err:       err,
		Timestamp: now,
	})
	si.Current = next
}

// Duration is the time spent on the current request, across attempts.
func (si *StateInfo) Duration() time.Duration {
	si.mu.RLock()
	defer si.mu.RUnlock()

	switch {
	case si.StartedAt.IsZero():
		return 0
	case si.CompletedAt.IsZero():
		return time.Since(si.StartedAt)
	default:
		return si.CompletedAt.Sub(si.StartedAt)
	}
}

// GetCurrent returns the current state.
func (si *StateInfo) GetCurrent() State {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.Current
}

// GetAttempts returns the attempts of the current request.
func (si *StateInfo) GetAttempts() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.Attempts
}
