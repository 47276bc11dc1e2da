package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
)

// StepRefresh is the report name of the refresh stage.
const StepRefresh = "RefreshCredentials"

// Refresh defaults.
const (
	DefaultRefreshPollInterval = 10 * time.Second
	DefaultRefreshTimeout      = 10 * time.Minute
)

// ComponentOutcome is how one component credential refresh ended.
type ComponentOutcome string

const (
	ComponentRefreshed ComponentOutcome = "refreshed"
	ComponentDegraded  ComponentOutcome = "degraded"
	ComponentSkipped   ComponentOutcome = "skipped"
	ComponentFailed    ComponentOutcome = "failed"
	ComponentPlanned   ComponentOutcome = "planned"
)

// ComponentResult is the refresh outcome of one CredentialsRequest.
type ComponentResult struct {
	Component   string           `json:"component" yaml:"component"`
	Secret      string           `json:"secret" yaml:"secret"`
	Outcome     ComponentOutcome `json:"outcome" yaml:"outcome"`
	Detail      string           `json:"detail,omitempty" yaml:"detail,omitempty"`
	RecreatedAt time.Time        `json:"recreated_at,omitempty" yaml:"recreated_at,omitempty"`
}

// RefreshResult collects every component outcome.
type RefreshResult struct {
	Components []ComponentResult
}

// Counts tallies components by outcome.
func (r RefreshResult) Counts() map[string]int {
	counts := make(map[string]int)
	for _, c := range r.Components {
		counts[string(c.Outcome)]++
	}
	return counts
}

// Degraded reports whether any component did not refresh cleanly.
func (r RefreshResult) Degraded() bool {
	for _, c := range r.Components {
		if c.Outcome == ComponentDegraded || c.Outcome == ComponentFailed {
			return true
		}
	}
	return false
}

// RefresherConfig bounds the recreation poll.
type RefresherConfig struct {
	DryRun       bool
	PollInterval time.Duration
	Timeout      time.Duration
}

// Refresher forces the minting operator to re-issue every component
// credential by deleting the secrets it owns.
type Refresher struct {
	cluster  ClusterClient
	config   RefresherConfig
	logger   *logging.Logger
	recorder *Recorder
	retry    RetryPolicy
}

// NewRefresher creates a Refresher. recorder may be nil.
func NewRefresher(cluster ClusterClient, config RefresherConfig, logger *logging.Logger, recorder *Recorder) *Refresher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultRefreshPollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRefreshTimeout
	}
	return &Refresher{
		cluster:  cluster,
		config:   config,
		logger:   logger,
		recorder: recorder,
		retry:    DefaultRetryPolicy(),
	}
}

// RefreshAll deletes each component secret in turn, then waits until every
// deleted secret is recreated no earlier than since. Components are
// independent: one that does not come back is reported as degraded and
// does not undo the others. A permission error halts the refresh.
func (r *Refresher) RefreshAll(ctx context.Context, since time.Time) (RefreshResult, error) {
	var result RefreshResult
	step := r.recorder.Begin(StepRefresh)

	requests, err := retryValue(ctx, r.retry, r.logger, "ListCredentialsRequests", func() ([]CredentialsRequestRef, error) {
		return r.cluster.ListCredentialsRequests(ctx)
	})
	if err != nil {
		err = fmt.Errorf("failed to list credentials requests: %w", err)
		step.Fail(err)
		return result, err
	}
	if len(requests) == 0 {
		step.Skip("no credentials requests")
		return result, nil
	}

	pending := make(map[int]CredentialsRequestRef)
	for _, req := range requests {
		res := ComponentResult{
			Component: req.Component(),
			Secret:    req.SecretNamespace + "/" + req.SecretName,
		}

		exists, err := retryValue(ctx, r.retry, r.logger, "GetNamespace", func() (bool, error) {
			return r.cluster.NamespaceExists(ctx, req.SecretNamespace)
		})
		if err == nil && !exists {
			res.Outcome = ComponentSkipped
			res.Detail = fmt.Sprintf("namespace %s does not exist", req.SecretNamespace)
			result.Components = append(result.Components, res)
			continue
		}

		if err == nil {
			if r.config.DryRun {
				res.Outcome = ComponentPlanned
				res.Detail = "delete " + res.Secret
				result.Components = append(result.Components, res)
				continue
			}
			err = r.deleteSecret(ctx, req)
		}
		if rrerrors.Is(err, rrerrors.KindPermission) {
			res.Outcome = ComponentFailed
			res.Detail = err.Error()
			result.Components = append(result.Components, res)
			err = fmt.Errorf("failed to delete %s: %w", res.Secret, err)
			step.Fail(err)
			return result, err
		}
		if err != nil {
			res.Outcome = ComponentFailed
			res.Detail = err.Error()
			r.logger.Warn("Could not refresh %s: %v", res.Component, err)
			result.Components = append(result.Components, res)
			continue
		}

		r.logger.Debug("deleted %s for %s", res.Secret, res.Component)
		pending[len(result.Components)] = req
		result.Components = append(result.Components, res)
	}

	if r.config.DryRun {
		var actions []string
		for _, c := range result.Components {
			if c.Outcome == ComponentPlanned {
				actions = append(actions, c.Detail)
			}
		}
		step.Plan(actions...)
		return result, nil
	}

	waitErr := r.awaitRecreated(ctx, since, pending, &result)
	counts := result.Counts()
	r.recorder.Metrics().RecordComponents(counts)

	summary := fmt.Sprintf("%d refreshed, %d degraded, %d failed, %d skipped",
		counts[string(ComponentRefreshed)], counts[string(ComponentDegraded)],
		counts[string(ComponentFailed)], counts[string(ComponentSkipped)])
	if waitErr != nil {
		step.Fail(fmt.Errorf("%s: %w", summary, waitErr))
		return result, waitErr
	}
	if result.Degraded() {
		step.Degrade("%s", summary)
		r.recorder.Warn("component credentials not refreshed: %s", summary)
		return result, nil
	}
	step.Succeed("%s", summary)
	return result, nil
}

func (r *Refresher) deleteSecret(ctx context.Context, req CredentialsRequestRef) error {
	err := retryTransient(ctx, r.retry, r.logger, "DeleteSecret", func() error {
		return r.cluster.DeleteSecret(ctx, req.SecretNamespace, req.SecretName)
	})
	if rrerrors.IsNotFound(err) {
		return nil
	}
	if err == nil {
		r.recorder.MarkMutated()
	}
	return err
}

// awaitRecreated polls until every pending secret exists with a creation
// timestamp at or after since. Secrets still missing at the deadline are
// marked degraded. Only a cancelled run context is returned as an error.
func (r *Refresher) awaitRecreated(ctx context.Context, since time.Time, pending map[int]CredentialsRequestRef, result *RefreshResult) error {
	if len(pending) == 0 {
		return nil
	}
	// creationTimestamp has second precision.
	threshold := since.Truncate(time.Second)

	check := func(pctx context.Context) (bool, error) {
		for i, req := range pending {
			secret, err := r.cluster.GetSecret(pctx, req.SecretNamespace, req.SecretName)
			if err != nil {
				if !rrerrors.IsNotFound(err) {
					r.logger.Debug("waiting for %s: %v", result.Components[i].Secret, err)
				}
				continue
			}
			if secret.CreationTimestamp.Before(threshold) {
				continue
			}
			result.Components[i].Outcome = ComponentRefreshed
			result.Components[i].RecreatedAt = secret.CreationTimestamp
			r.logger.Info("%s re-minted", result.Components[i].Component)
			delete(pending, i)
		}
		return len(pending) == 0, nil
	}

	err := pollUntil(ctx, r.config.PollInterval, r.config.Timeout, check)
	for i := range pending {
		result.Components[i].Outcome = ComponentDegraded
		result.Components[i].Detail = fmt.Sprintf("not recreated within %s", r.config.Timeout)
	}
	if err == nil || errors.Is(err, ErrPollTimeout) {
		return nil
	}
	return err
}
