package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/rotation/notifications"
	"github.com/systmms/rootrotate/internal/rotation/rollback"
	"github.com/systmms/rootrotate/internal/rotation/storage"
)

// Report step names for the stages outside the key lifecycle.
const (
	StepPreflight       = "Preflight"
	StepResolveIdentity = "ResolveIdentity"
	StepAwaitHealthy    = "AwaitHealthy"
)

// DefaultHealthTimeout bounds AwaitHealthy when no timeout is configured.
const DefaultHealthTimeout = 15 * time.Minute

// EngineConfig configures a full rotation run.
type EngineConfig struct {
	DryRun          bool
	RootSecret      SecretRef
	PrincipalPrefix string
	PolicyName      string
	KeyMaxAge       time.Duration
	Confirm         ConfirmConfig
	Refresh         RefresherConfig
	Health          health.VerifierConfig
	HealthTimeout   time.Duration

	// Timeout bounds the whole run. Zero means no deadline.
	Timeout time.Duration
}

// Dependencies are the collaborators of an Engine. History, Rollback,
// Notifier and Metrics are optional.
type Dependencies struct {
	IAM      IAMClient
	Cluster  ClusterClient
	Verifier KeyVerifier
	Backups  storage.BackupStore
	History  storage.HistoryStore
	Rollback *rollback.Manager
	Notifier rollback.Notifier
	Metrics  *health.RotationMetrics
	Logger   *logging.Logger
}

// Engine runs the stages of a rotation in order and always produces a
// Report.
type Engine struct {
	deps   Dependencies
	config EngineConfig
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(deps Dependencies, config EngineConfig) *Engine {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Rollback == nil {
		deps.Rollback = rollback.NewManager(rollback.DefaultConfig(), deps.Notifier, deps.Logger)
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultHealthTimeout
	}
	config.Refresh.DryRun = config.DryRun
	return &Engine{deps: deps, config: config, now: time.Now}
}

// Restorer returns a Restorer sharing the engine's clients.
func (e *Engine) Restorer() *Restorer {
	return NewRestorer(e.deps.Cluster, e.deps.Backups, e.deps.Verifier, e.deps.Rollback, e.deps.Logger)
}

// Run executes a full rotation. The returned report is complete whatever
// the outcome; its FinalStatus decides the exit code.
func (e *Engine) Run(ctx context.Context) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		DryRun:    e.config.DryRun,
		StartedAt: e.now().UTC(),
	}
	rec := NewRecorder(report, e.deps.Logger, e.deps.Metrics)

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	err := e.run(ctx, rec, report)
	e.finish(report, err)
	return report
}

func (e *Engine) run(ctx context.Context, rec *Recorder, report *Report) error {
	logger := e.deps.Logger

	step := rec.Begin(StepPreflight)
	pf, err := NewPreflight(e.deps.Cluster, e.deps.IAM, e.config.RootSecret, logger).Validate(ctx)
	if err == nil {
		err = pf.Err()
	}
	if err != nil {
		step.Fail(err)
		return err
	}
	report.RotatedBy = pf.Caller.ARN
	step.Succeed("%d checks passed", len(pf.Checks))

	step = rec.Begin(StepResolveIdentity)
	identity, err := NewResolver(e.deps.Cluster, e.deps.IAM, logger).Resolve(ctx)
	if err != nil {
		step.Fail(err)
		return err
	}
	report.ClusterID = identity.ClusterID
	step.Succeed("%s in %s (%s)", identity.ClusterID, identity.Region, identity.CloudAccountID)
	e.deps.Metrics.RecordRunStarted(identity.ClusterID, e.config.DryRun)
	e.notify(report, notifications.EventTypeStarted, "", nil)

	pm := NewPrincipalManager(e.deps.IAM, PrincipalConfig{
		Prefix:     e.config.PrincipalPrefix,
		PolicyName: e.config.PolicyName,
		DryRun:     e.config.DryRun,
	}, logger, rec)
	principal, err := pm.EnsurePrincipal(ctx, identity)
	report.Principal = principal.Name
	if err != nil {
		return err
	}

	lifecycle := NewKeyLifecycle(e.deps.IAM, e.deps.Cluster, e.deps.Backups, e.deps.Verifier, e.Restorer(), LifecycleConfig{
		DryRun:     e.config.DryRun,
		KeyMaxAge:  e.config.KeyMaxAge,
		RootSecret: e.config.RootSecret,
		RotatedBy:  report.RotatedBy,
		RunID:      report.RunID,
		ClusterID:  identity.ClusterID,
		Confirm:    e.config.Confirm,
	}, logger, rec)
	lr, err := lifecycle.Run(ctx, principal)
	report.Backups = lr.Backups
	report.PreviousKeyID = lr.PreviousKeyID
	report.NewKeyID = lr.NewKeyID
	report.RolledBack = lr.RolledBack
	if err != nil {
		return err
	}

	refresh, err := NewRefresher(e.deps.Cluster, e.config.Refresh, logger, rec).RefreshAll(ctx, report.StartedAt)
	report.Components = refresh.Components
	if err != nil {
		return err
	}

	return e.awaitHealthy(ctx, rec, report)
}

func (e *Engine) awaitHealthy(ctx context.Context, rec *Recorder, report *Report) error {
	verifier := health.NewVerifier(e.deps.Cluster, e.config.Health, e.deps.Logger)
	step := rec.Begin(StepAwaitHealthy)

	if e.config.DryRun {
		res, err := verifier.Check(ctx)
		if err != nil {
			step.Plan(fmt.Sprintf("await healthy operators for up to %s (status unreadable: %v)", e.config.HealthTimeout, err))
			return nil
		}
		report.Health = &res
		step.Plan(fmt.Sprintf("await healthy operators for up to %s (currently %s)", e.config.HealthTimeout, res.Status))
		return nil
	}

	res, err := verifier.AwaitHealthy(ctx, e.config.HealthTimeout)
	report.Health = &res
	switch {
	case err == nil:
		step.Succeed("healthy after %d poll(s)", res.Polls)
		return nil
	case errors.Is(err, health.ErrNotConverged) && res.MintingOperatorHealthy:
		step.Degrade("%v", err)
		rec.Warn("operators still unhealthy: %s", health.Summary(res.Unhealthy))
		return nil
	default:
		step.Fail(err)
		return err
	}
}

// finish decides the final status, then emits metrics, history and the
// closing notification.
func (e *Engine) finish(report *Report, err error) {
	report.FinishedAt = e.now().UTC()
	logger := e.deps.Logger

	switch {
	case err != nil:
		report.Error = err.Error()
		report.FailedStep = failedStep(report)
		report.FinalStatus = StatusFailed
		if !report.Mutated || rrerrors.Is(err, rrerrors.KindInvariant) {
			report.FinalStatus = StatusAborted
		}
	case hasDegradedStep(report) || len(report.Warnings) > 0:
		report.FinalStatus = StatusCompletedWithWarnings
	default:
		report.FinalStatus = StatusSuccess
	}

	e.deps.Metrics.RecordRunCompleted(report.ClusterID, string(report.FinalStatus),
		report.Duration().Seconds(), float64(report.FinishedAt.Unix()))

	if e.deps.History != nil {
		if herr := e.deps.History.SaveHistory(report.ToHistory()); herr != nil {
			logger.Warn("Failed to save run history: %v", herr)
		}
	}

	switch report.FinalStatus {
	case StatusSuccess:
		logger.Info("Rotation finished: %s", report.Summary())
		e.notify(report, notifications.EventTypeCompleted, notifications.StatusSuccess, nil)
	case StatusCompletedWithWarnings:
		logger.Warn("Rotation finished: %s", report.Summary())
		e.notify(report, notifications.EventTypeCompleted, notifications.StatusWarning, nil)
	default:
		logger.Error("Rotation finished: %s", report.Summary())
		if len(report.Backups) > 0 && !report.RolledBack {
			logger.Error("Recover with: rootrotate rollback %s", report.Backups[len(report.Backups)-1])
		}
		status := notifications.StatusFailure
		if report.RolledBack {
			status = notifications.StatusRolledBack
		}
		e.notify(report, notifications.EventTypeFailed, status, err)
	}
}

func (e *Engine) notify(report *Report, eventType notifications.EventType, status notifications.RotationStatus, err error) {
	if e.deps.Notifier == nil {
		return
	}
	metadata := map[string]string{}
	if report.FailedStep != "" {
		metadata["failed_step"] = report.FailedStep
	}
	if len(report.Backups) > 0 {
		metadata["backup_id"] = report.Backups[len(report.Backups)-1]
	}
	if len(report.Warnings) > 0 {
		metadata["warnings"] = fmt.Sprintf("%d", len(report.Warnings))
	}
	e.deps.Notifier.Send(notifications.RotationEvent{
		Type:          eventType,
		ClusterID:     report.ClusterID,
		Principal:     report.Principal,
		DryRun:        report.DryRun,
		Status:        status,
		Error:         err,
		Duration:      report.Duration(),
		Metadata:      metadata,
		Timestamp:     e.now().UTC(),
		RunID:         report.RunID,
		PreviousKeyID: report.PreviousKeyID,
		NewKeyID:      report.NewKeyID,
		InitiatedBy:   report.RotatedBy,
	})
}

func failedStep(report *Report) string {
	for i := len(report.Steps) - 1; i >= 0; i-- {
		if report.Steps[i].Outcome == OutcomeFailed {
			return report.Steps[i].Name
		}
	}
	return ""
}

func hasDegradedStep(report *Report) bool {
	for _, s := range report.Steps {
		if s.Outcome == OutcomeDegraded {
			return true
		}
	}
	return false
}
