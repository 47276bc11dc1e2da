// Package health decides whether the cluster has converged after the root
// credential changed, by polling ClusterOperator conditions.
package health

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

// OperatorStatus is the condition summary of one ClusterOperator.
type OperatorStatus struct {
	Name        string `json:"name" yaml:"name"`
	Available   bool   `json:"available" yaml:"available"`
	Degraded    bool   `json:"degraded" yaml:"degraded"`
	Progressing bool   `json:"progressing" yaml:"progressing"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Unhealthy reports whether any condition is off its steady-state value.
func (s OperatorStatus) Unhealthy() bool {
	return s.Degraded || s.Progressing || !s.Available
}

// StatusSource lists ClusterOperator statuses.
type StatusSource interface {
	GetOperatorStatuses(ctx context.Context) ([]OperatorStatus, error)
}

// HealthStatus represents the outcome of one evaluation.
type HealthStatus int

const (
	// StatusUnknown indicates health status has not been checked.
	StatusUnknown HealthStatus = iota

	// StatusHealthy indicates no credential-related operator is unhealthy.
	StatusHealthy

	// StatusDegraded indicates some operators blame credentials but the
	// minting operator itself is healthy.
	StatusDegraded

	// StatusUnhealthy indicates the minting operator is unhealthy or missing.
	StatusUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthResult represents the outcome of AwaitHealthy.
type HealthResult struct {
	Healthy   bool             `json:"healthy" yaml:"healthy"`
	Status    HealthStatus     `json:"-" yaml:"-"`
	Unhealthy []OperatorStatus `json:"unhealthy,omitempty" yaml:"unhealthy,omitempty"`
	Polls     int              `json:"polls" yaml:"polls"`
	Elapsed   time.Duration    `json:"elapsed" yaml:"elapsed"`

	// MintingOperatorHealthy is false when the minting operator is
	// unhealthy or was not found.
	MintingOperatorHealthy bool `json:"mintingOperatorHealthy" yaml:"mintingOperatorHealthy"`
}

// Names returns the names of the unhealthy operators.
func (r HealthResult) Names() []string {
	names := make([]string, 0, len(r.Unhealthy))
	for _, s := range r.Unhealthy {
		names = append(names, s.Name)
	}
	return names
}

var credentialPattern = regexp.MustCompile(`(?i)credential|secret|accessdenied|invalidclienttokenid|unauthorized`)

// Evaluator attributes unhealthy operators to the credential change.
type Evaluator struct {
	// MintingOperator is the ClusterOperator name of the credential minting
	// service.
	MintingOperator string
}

// AttributableToCredentials reports whether an unhealthy operator's state
// can be blamed on credentials.
func (e Evaluator) AttributableToCredentials(s OperatorStatus) bool {
	if !s.Unhealthy() {
		return false
	}
	if s.Name == e.MintingOperator {
		return true
	}
	return credentialPattern.MatchString(s.Reason) || credentialPattern.MatchString(s.Message)
}

// Evaluate classifies one snapshot of operator statuses.
func (e Evaluator) Evaluate(statuses []OperatorStatus) (HealthStatus, []OperatorStatus, bool) {
	var unhealthy []OperatorStatus
	mintingHealthy := false
	mintingSeen := false

	for _, s := range statuses {
		if s.Name == e.MintingOperator {
			mintingSeen = true
			mintingHealthy = !s.Unhealthy()
		}
		if e.AttributableToCredentials(s) {
			unhealthy = append(unhealthy, s)
		}
	}
	sort.Slice(unhealthy, func(i, j int) bool { return unhealthy[i].Name < unhealthy[j].Name })

	if !mintingSeen {
		unhealthy = append(unhealthy, OperatorStatus{
			Name:    e.MintingOperator,
			Reason:  "NotFound",
			Message: "minting operator is not reported by the cluster",
		})
		return StatusUnhealthy, unhealthy, false
	}
	switch {
	case !mintingHealthy:
		return StatusUnhealthy, unhealthy, false
	case len(unhealthy) > 0:
		return StatusDegraded, unhealthy, true
	default:
		return StatusHealthy, nil, true
	}
}

// Summary renders unhealthy operators as "name (reason)" pairs.
func Summary(statuses []OperatorStatus) string {
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		if s.Reason != "" {
			parts = append(parts, s.Name+" ("+s.Reason+")")
		} else {
			parts = append(parts, s.Name)
		}
	}
	return strings.Join(parts, ", ")
}
