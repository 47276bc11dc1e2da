package rollback

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/notifications"
)

// Notifier receives rollback events. *notifications.Manager satisfies it.
type Notifier interface {
	Send(event notifications.RotationEvent)
}

// Trigger records who asked for a rollback.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// Manager orchestrates root secret restores.
type Manager struct {
	config   Config
	notifier Notifier
	logger   *logging.Logger

	// states tracks rollback state per target secret
	states   map[string]*StateInfo
	statesMu sync.RWMutex
}

// NewManager creates a new rollback manager. notifier may be nil.
func NewManager(config Config, notifier Notifier, logger *logging.Logger) *Manager {
	return &Manager{
		config:   config,
		notifier: notifier,
		logger:   logger,
		states:   make(map[string]*StateInfo),
	}
}

// Request contains information needed to perform a rollback.
type Request struct {
	// Target is the namespace/name of the secret being restored.
	Target string

	ClusterID string
	Principal string

	// RunID ties the rollback to the rotation run that triggered it.
	RunID string

	// BackupID is the backup the secret is restored from.
	BackupID string

	// Reason explains why rollback was triggered.
	Reason string

	// RestoredKeyID is the key the backup references.
	RestoredKeyID string

	// FailedKeyID is the key being abandoned, if any.
	FailedKeyID string

	// RestoreFunc writes the backed-up secret back.
	RestoreFunc func(ctx context.Context) error

	// VerifyFunc confirms the restored credential works.
	VerifyFunc func(ctx context.Context) error

	// InitiatedBy is the caller ARN or user name.
	InitiatedBy string
}

// Result contains the outcome of a rollback operation.
type Result struct {
	Success  bool
	State    State
	Duration time.Duration
	Attempts int
	Error    error
}

// GetState returns the current rollback state for a target.
func (m *Manager) GetState(target string) *StateInfo {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	if state, ok := m.states[target]; ok {
		return state
	}
	return nil
}

// TriggerRollback runs an automatic restore after a failed confirmation.
func (m *Manager) TriggerRollback(ctx context.Context, req Request) (*Result, error) {
	return m.executeRollback(ctx, req, TriggerAutomatic)
}

// ManualRollback runs an operator-requested restore.
func (m *Manager) ManualRollback(ctx context.Context, req Request) (*Result, error) {
	return m.executeRollback(ctx, req, TriggerManual)
}

func (m *Manager) executeRollback(ctx context.Context, req Request, trigger Trigger) (*Result, error) {
	m.statesMu.Lock()
	state, exists := m.states[req.Target]
	if !exists {
		state = NewStateInfo(req.Target)
		m.states[req.Target] = state
	}
	err := state.Begin(req.Reason, req.BackupID, req.RestoredKeyID, req.FailedKeyID, time.Now())
	m.statesMu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Warn("Restoring %s from backup %s (%s)", req.Target, req.BackupID, trigger)

	result := &Result{}
	for attempt := 0; ; attempt++ {
		timeoutCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		err := m.doRollback(timeoutCtx, state, req)
		cancel()

		if err == nil {
			result.Success = true
			result.State = StateRestored
			result.Duration = state.Duration()
			result.Attempts = state.GetAttempts()

			m.logger.Info("Restored %s to key %s", req.Target, logging.MaskKeyID(req.RestoredKeyID))
			m.sendRollbackNotification(req, trigger, result, nil)
			return result, nil
		}

		if attempt < m.config.MaxRetries && ctx.Err() == nil {
			m.logger.Warn("Restore attempt %d failed: %v", attempt+1, err)
			_ = state.TransitionTo(StateIdle, "retrying", nil)
			continue
		}

		result.State = StateFailed
		result.Duration = state.Duration()
		result.Attempts = state.GetAttempts()
		result.Error = err

		m.logger.Error("Restore of %s failed after %d attempt(s): %v", req.Target, result.Attempts, err)
		m.sendRollbackNotification(req, trigger, result, err)
		return result, err
	}
}

// doRollback performs a single restore attempt.
func (m *Manager) doRollback(ctx context.Context, state *StateInfo, req Request) error {
	if err := state.TransitionTo(StateRestoring, req.Reason, nil); err != nil {
		return err
	}

	if req.RestoreFunc != nil {
		if err := req.RestoreFunc(ctx); err != nil {
			_ = state.TransitionTo(StateFailed, "restore failed", err)
			return fmt.Errorf("restore failed: %w", err)
		}
	}

	if err := state.TransitionTo(StateConfirming, "backup written", nil); err != nil {
		return err
	}

	if req.VerifyFunc != nil {
		if err := req.VerifyFunc(ctx); err != nil {
			_ = state.TransitionTo(StateFailed, "verification failed", err)
			return fmt.Errorf("verification failed: %w", err)
		}
	}

	return state.TransitionTo(StateRestored, "restored key authenticates", nil)
}

func (m *Manager) sendRollbackNotification(req Request, trigger Trigger, result *Result, err error) {
	if m.notifier == nil {
		return
	}

	status := notifications.StatusRolledBack
	if !result.Success {
		status = notifications.StatusFailure
	}

	metadata := map[string]string{
		"reason":      req.Reason,
		"backup_id":   req.BackupID,
		"attempts":    strconv.Itoa(result.Attempts),
		"trigger":     string(trigger),
		"target":      req.Target,
		"final_state": string(result.State),
		"duration_ms": strconv.FormatInt(result.Duration.Milliseconds(), 10),
	}
	if err != nil {
		metadata["error_message"] = err.Error()
	}

	m.notifier.Send(notifications.RotationEvent{
		Type:          notifications.EventTypeRollback,
		ClusterID:     req.ClusterID,
		Principal:     req.Principal,
		RunID:         req.RunID,
		Status:        status,
		Error:         err,
		Duration:      result.Duration,
		Timestamp:     time.Now(),
		PreviousKeyID: req.RestoredKeyID,
		NewKeyID:      req.FailedKeyID,
		InitiatedBy:   req.InitiatedBy,
		Metadata:      metadata,
	})
}

// Reset clears the rollback state for a target.
func (m *Manager) Reset(target string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	delete(m.states, target)
}
