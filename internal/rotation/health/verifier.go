package health

import (
	"context"
	"fmt"
	"time"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
)

// ErrNotConverged is returned by AwaitHealthy when the timeout elapses
// while credential-related operators are still unhealthy.
var ErrNotConverged = fmt.Errorf("cluster operators did not converge")

// VerifierConfig holds configuration for the health verifier.
type VerifierConfig struct {
	// PollInterval is how often operator statuses are read.
	PollInterval time.Duration

	// MintingOperator is the ClusterOperator of the minting service.
	MintingOperator string
}

// DefaultVerifierConfig returns the default verifier configuration.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		PollInterval:    15 * time.Second,
		MintingOperator: "cloud-credential",
	}
}

// Verifier polls cluster operator health until convergence or timeout.
type Verifier struct {
	source    StatusSource
	config    VerifierConfig
	evaluator Evaluator
	logger    *logging.Logger
	metrics   *RotationMetrics
}

// NewVerifier creates a verifier reading from source.
func NewVerifier(source StatusSource, config VerifierConfig, logger *logging.Logger) *Verifier {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultVerifierConfig().PollInterval
	}
	if config.MintingOperator == "" {
		config.MintingOperator = DefaultVerifierConfig().MintingOperator
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Verifier{
		source:    source,
		config:    config,
		evaluator: Evaluator{MintingOperator: config.MintingOperator},
		logger:    logger,
		metrics:   NewRotationMetrics(),
	}
}

// Check reads operator statuses once and evaluates them.
func (v *Verifier) Check(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	statuses, err := v.source.GetOperatorStatuses(ctx)
	if err != nil {
		return HealthResult{Status: StatusUnknown}, err
	}
	status, unhealthy, mintingOK := v.evaluator.Evaluate(statuses)
	v.metrics.RecordHealthCheck(status == StatusHealthy, time.Since(start).Seconds())
	return HealthResult{
		Healthy:                status == StatusHealthy,
		Status:                 status,
		Unhealthy:              unhealthy,
		Polls:                  1,
		MintingOperatorHealthy: mintingOK,
	}, nil
}

// AwaitHealthy polls until no credential-related operator is unhealthy or
// timeout elapses. Transient read failures are retried on the next tick;
// permission and configuration failures end the wait immediately.
func (v *Verifier) AwaitHealthy(ctx context.Context, timeout time.Duration) (HealthResult, error) {
	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(v.config.PollInterval)
	defer ticker.Stop()

	last := HealthResult{Status: StatusUnknown}
	polls := 0

	for {
		polls++
		res, err := v.Check(ctx)
		switch {
		case rrerrors.Is(err, rrerrors.KindPermission), rrerrors.Is(err, rrerrors.KindConfiguration):
			last.Polls = polls
			last.Elapsed = time.Since(start)
			return last, err
		case err != nil:
			v.logger.Debug("operator status read failed, retrying: %v", err)
		default:
			last = res
			if res.Healthy {
				last.Polls = polls
				last.Elapsed = time.Since(start)
				return last, nil
			}
			v.logger.Debug("waiting on operators: %s", Summary(res.Unhealthy))
		}

		select {
		case <-ctx.Done():
			last.Polls = polls
			last.Elapsed = time.Since(start)
			return last, ctx.Err()
		case <-deadline.C:
			last.Polls = polls
			last.Elapsed = time.Since(start)
			return last, fmt.Errorf("%w after %s: %s", ErrNotConverged, timeout, Summary(last.Unhealthy))
		case <-ticker.C:
		}
	}
}
