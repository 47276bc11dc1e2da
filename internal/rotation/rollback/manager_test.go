package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/notifications"
)

const target = "kube-system/aws-creds"

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.RotationEvent
}

func (n *recordingNotifier) Send(event notifications.RotationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func newTestManager(cfg Config, notifier Notifier) *Manager {
	return NewManager(cfg, notifier, logging.Discard())
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()

	zero := 0
	cfg := ConfigFrom(config.RollbackConfig{
		Timeout:    config.Duration{Duration: 30 * time.Second},
		MaxRetries: &zero,
	})
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 0, cfg.MaxRetries)

	assert.Equal(t, DefaultConfig(), ConfigFrom(config.RollbackConfig{}))
}

func TestStateInfo_NewStateInfo(t *testing.T) {
	t.Parallel()
	info := NewStateInfo(target)

	assert.Equal(t, StateIdle, info.Current)
	assert.Equal(t, target, info.Target)
	assert.Empty(t, info.Transitions)
}

func TestStateInfo_TransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		fromState   State
		toState     State
		shouldError bool
	}{
		{"idle to restoring", StateIdle, StateRestoring, false},
		{"restoring to confirming", StateRestoring, StateConfirming, false},
		{"restoring to failed", StateRestoring, StateFailed, false},
		{"confirming to restored", StateConfirming, StateRestored, false},
		{"confirming to failed", StateConfirming, StateFailed, false},
		{"failed to idle", StateFailed, StateIdle, false},
		{"restored to idle", StateRestored, StateIdle, false},
		{"failed to restoring (invalid)", StateFailed, StateRestoring, true},
		{"idle to restored (invalid)", StateIdle, StateRestored, true},
		{"restoring to restored (invalid)", StateRestoring, StateRestored, true},
		{"restored to confirming (invalid)", StateRestored, StateConfirming, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info := NewStateInfo(target)
			info.Current = tt.fromState

			err := info.TransitionTo(tt.toState, "test transition", nil)
			if tt.shouldError {
				assert.Error(t, err)
				assert.Equal(t, tt.fromState, info.Current)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.toState, info.Current)
			}
		})
	}
}

func TestStateInfo_TransitionsRecordKeys(t *testing.T) {
	t.Parallel()
	info := NewStateInfo(target)
	now := time.Now()
	require.NoError(t, info.Begin("unconfirmed", "b-1", "AKIAOLDKEY0000000001", "AKIANEWKEY0000000002", now))

	require.NoError(t, info.TransitionTo(StateRestoring, "writing", nil))
	require.NoError(t, info.TransitionTo(StateFailed, "restore failed", errors.New("conflict")))
	require.NoError(t, info.TransitionTo(StateIdle, "retrying", nil))
	require.NoError(t, info.TransitionTo(StateRestoring, "writing", nil))
	require.NoError(t, info.TransitionTo(StateConfirming, "written", nil))
	require.NoError(t, info.TransitionTo(StateRestored, "done", nil))

	require.Len(t, info.Transitions, 6)
	assert.Equal(t, StateIdle, info.Transitions[0].From)
	assert.Equal(t, "AKIAOLDKEY0000000001", info.Transitions[0].KeyID)
	assert.Equal(t, 1, info.Transitions[1].Attempt)
	assert.Empty(t, info.Transitions[1].KeyID)
	assert.EqualError(t, info.Transitions[1].Err, "conflict")
	assert.Equal(t, 2, info.Transitions[5].Attempt)
	assert.Equal(t, "AKIAOLDKEY0000000001", info.Transitions[5].KeyID)

	assert.Equal(t, 2, info.GetAttempts())
	assert.NoError(t, info.Error)
	assert.False(t, info.CompletedAt.Before(now))
}

func TestStateInfo_Begin(t *testing.T) {
	t.Parallel()
	info := NewStateInfo(target)
	now := time.Now()

	require.NoError(t, info.Begin("first", "b-1", "AKIAOLD", "AKIANEW", now))
	require.NoError(t, info.TransitionTo(StateRestoring, "writing", nil))
	assert.Error(t, info.Begin("second", "b-2", "AKIAOLD", "AKIANEW", now), "busy while restoring")

	require.NoError(t, info.TransitionTo(StateFailed, "restore failed", errors.New("conflict")))
	require.NoError(t, info.Begin("second", "b-2", "AKIAOLD", "", now))

	assert.Equal(t, StateIdle, info.GetCurrent())
	assert.Equal(t, "b-2", info.BackupID)
	assert.Zero(t, info.GetAttempts())
	assert.NoError(t, info.Error)
	assert.Equal(t, "new request", info.Transitions[len(info.Transitions)-1].Reason)
}

func TestState_IsTerminal(t *testing.T) {
	t.Parallel()

	for state, terminal := range map[State]bool{
		StateIdle:       false,
		StateRestoring:  false,
		StateConfirming: false,
		StateRestored:   true,
		StateFailed:     true,
	} {
		assert.Equal(t, terminal, state.IsTerminal(), state)
	}
}

func TestManager_TriggerRollback_Success(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	m := newTestManager(DefaultConfig(), notifier)

	var restoreCalled, verifyCalled bool
	result, err := m.TriggerRollback(context.Background(), Request{
		Target:        target,
		ClusterID:     "prod-east-7xk2p",
		BackupID:      "b-1",
		Reason:        "new key not confirmed",
		RestoredKeyID: "AKIAOLDKEY0000000001",
		FailedKeyID:   "AKIANEWKEY0000000002",
		RestoreFunc: func(ctx context.Context) error {
			restoreCalled = true
			return nil
		},
		VerifyFunc: func(ctx context.Context) error {
			verifyCalled = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StateRestored, result.State)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, restoreCalled)
	assert.True(t, verifyCalled)

	require.Len(t, notifier.events, 1)
	ev := notifier.events[0]
	assert.Equal(t, notifications.EventTypeRollback, ev.Type)
	assert.Equal(t, notifications.StatusRolledBack, ev.Status)
	assert.Equal(t, "b-1", ev.Metadata["backup_id"])
	assert.Equal(t, "automatic", ev.Metadata["trigger"])
	assert.Equal(t, "AKIAOLDKEY0000000001", ev.PreviousKeyID)
}

func TestManager_TriggerRollback_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		restore func(ctx context.Context) error
		verify  func(ctx context.Context) error
		wantErr string
	}{
		{
			name:    "restore fails",
			restore: func(ctx context.Context) error { return errors.New("conflict") },
			wantErr: "restore failed: conflict",
		},
		{
			name:    "verify fails",
			restore: func(ctx context.Context) error { return nil },
			verify:  func(ctx context.Context) error { return errors.New("InvalidClientTokenId") },
			wantErr: "verification failed: InvalidClientTokenId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.MaxRetries = 0
			notifier := &recordingNotifier{}
			m := newTestManager(cfg, notifier)

			result, err := m.TriggerRollback(context.Background(), Request{
				Target:      target,
				RestoreFunc: tt.restore,
				VerifyFunc:  tt.verify,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.False(t, result.Success)
			assert.Equal(t, StateFailed, result.State)

			require.Len(t, notifier.events, 1)
			assert.Equal(t, notifications.StatusFailure, notifier.events[0].Status)
		})
	}
}

func TestManager_TriggerRollback_Retries(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	m := newTestManager(cfg, nil)

	attempts := 0
	result, err := m.TriggerRollback(context.Background(), Request{
		Target: target,
		RestoreFunc: func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient error")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, result.Attempts)
}

func TestManager_TriggerRollback_Timeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	m := newTestManager(cfg, nil)

	result, err := m.TriggerRollback(context.Background(), Request{
		Target: target,
		RestoreFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, result.Success)
}

func TestManager_ManualRollback_RecordsTrigger(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	m := newTestManager(DefaultConfig(), notifier)

	result, err := m.ManualRollback(context.Background(), Request{
		Target:      target,
		InitiatedBy: "arn:aws:iam::123456789012:user/admin",
		RestoreFunc: func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, "manual", notifier.events[0].Metadata["trigger"])
	assert.Equal(t, "arn:aws:iam::123456789012:user/admin", notifier.events[0].InitiatedBy)
}

func TestManager_RepeatedRollbacks(t *testing.T) {
	t.Parallel()

	m := newTestManager(DefaultConfig(), nil)
	req := Request{Target: target, RestoreFunc: func(ctx context.Context) error { return nil }}

	_, err := m.ManualRollback(context.Background(), req)
	require.NoError(t, err)
	_, err = m.ManualRollback(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateRestored, m.GetState(target).GetCurrent())
}

func TestManager_GetStateAndReset(t *testing.T) {
	t.Parallel()

	m := newTestManager(DefaultConfig(), nil)
	assert.Nil(t, m.GetState(target))

	_, _ = m.ManualRollback(context.Background(), Request{
		Target:      target,
		BackupID:    "b-1",
		RestoreFunc: func(ctx context.Context) error { return nil },
	})

	state := m.GetState(target)
	require.NotNil(t, state)
	assert.Equal(t, "b-1", state.BackupID)

	m.Reset(target)
	assert.Nil(t, m.GetState(target))
}

func TestManager_ConcurrentRollbacks(t *testing.T) {
	t.Parallel()

	m := newTestManager(DefaultConfig(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = m.ManualRollback(context.Background(), Request{
			Target: target,
			RestoreFunc: func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			},
		})
		close(done)
	}()

	<-started
	_, err := m.ManualRollback(context.Background(), Request{Target: target})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")

	close(release)
	<-done
}
