package rotation

import (
	"fmt"
	"strings"
	"time"

	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/rotation/storage"
)

// Outcome is how a single step ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDegraded  Outcome = "degraded"
	OutcomePlanned   Outcome = "planned"
)

// FinalStatus is the overall result of a run.
type FinalStatus string

const (
	StatusSuccess               FinalStatus = "Success"
	StatusCompletedWithWarnings FinalStatus = "CompletedWithWarnings"
	StatusFailed                FinalStatus = "Failed"
	StatusAborted               FinalStatus = "Aborted"
)

// ExitCode maps a status to the process exit code.
func (s FinalStatus) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusCompletedWithWarnings:
		return 2
	default:
		return 1
	}
}

// StepRecord is one line of the report.
type StepRecord struct {
	Name      string        `json:"name" yaml:"name"`
	Outcome   Outcome       `json:"outcome" yaml:"outcome"`
	Detail    string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Report is the record of one run. It is emitted whatever the outcome.
type Report struct {
	RunID         string               `json:"run_id" yaml:"run_id"`
	ClusterID     string               `json:"cluster_id,omitempty" yaml:"cluster_id,omitempty"`
	Principal     string               `json:"principal,omitempty" yaml:"principal,omitempty"`
	RotatedBy     string               `json:"rotated_by,omitempty" yaml:"rotated_by,omitempty"`
	DryRun        bool                 `json:"dry_run" yaml:"dry_run"`
	StartedAt     time.Time            `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time            `json:"finished_at" yaml:"finished_at"`
	Steps         []StepRecord         `json:"steps" yaml:"steps"`
	Components    []ComponentResult    `json:"components,omitempty" yaml:"components,omitempty"`
	Backups       []string             `json:"backups,omitempty" yaml:"backups,omitempty"`
	NewKeyID      string               `json:"new_key_id,omitempty" yaml:"new_key_id,omitempty"`
	PreviousKeyID string               `json:"previous_key_id,omitempty" yaml:"previous_key_id,omitempty"`
	RolledBack    bool                 `json:"rolled_back,omitempty" yaml:"rolled_back,omitempty"`
	Mutated       bool                 `json:"mutated" yaml:"mutated"`
	Warnings      []string             `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Health        *health.HealthResult `json:"health,omitempty" yaml:"health,omitempty"`
	FinalStatus   FinalStatus          `json:"final_status" yaml:"final_status"`
	FailedStep    string               `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Error         string               `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Step returns the named step record, if any.
func (r *Report) Step(name string) (StepRecord, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepRecord{}, false
}

// Summary is the one-line human verdict.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", r.FinalStatus)
	if r.DryRun {
		b.WriteString(" (dry run)")
	}
	if r.FailedStep != "" {
		fmt.Fprintf(&b, " at %s", r.FailedStep)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, ": %s", r.Error)
	}
	if len(r.Backups) > 0 {
		fmt.Fprintf(&b, " [backups: %s]", strings.Join(r.Backups, ", "))
	}
	return b.String()
}

// ToHistory converts the report to a history entry.
func (r *Report) ToHistory() *storage.HistoryEntry {
	action := "rotate"
	if r.DryRun {
		action = "dry-run"
	}
	entry := &storage.HistoryEntry{
		ID:            r.RunID,
		Timestamp:     r.StartedAt,
		ClusterID:     r.ClusterID,
		Principal:     r.Principal,
		Action:        action,
		Status:        string(r.FinalStatus),
		Duration:      r.Duration(),
		Error:         r.Error,
		User:          r.RotatedBy,
		PreviousKeyID: r.PreviousKeyID,
		NewKeyID:      r.NewKeyID,
		Backups:       r.Backups,
	}
	for _, s := range r.Steps {
		entry.Steps = append(entry.Steps, storage.StepResult{
			Name:        s.Name,
			Status:      string(s.Outcome),
			Detail:      s.Detail,
			StartedAt:   s.StartedAt,
			CompletedAt: s.StartedAt.Add(s.Duration),
			Duration:    s.Duration,
		})
	}
	return entry
}

// Recorder appends step records to a report as steps finish.
type Recorder struct {
	report  *Report
	logger  *logging.Logger
	metrics *health.RotationMetrics
	now     func() time.Time
}

// NewRecorder records into report. A nil report records nothing.
func NewRecorder(report *Report, logger *logging.Logger, metrics *health.RotationMetrics) *Recorder {
	return &Recorder{report: report, logger: logger, metrics: metrics, now: time.Now}
}

// MarkMutated records that the run changed IAM or cluster state.
func (r *Recorder) MarkMutated() {
	if r != nil && r.report != nil {
		r.report.Mutated = true
	}
}

// Metrics returns the recorder's metrics sink, which may be nil.
func (r *Recorder) Metrics() *health.RotationMetrics {
	if r == nil {
		return nil
	}
	return r.metrics
}

// Warn records a warning that downgrades an otherwise successful run.
func (r *Recorder) Warn(format string, args ...interface{}) {
	if r == nil || r.report == nil {
		return
	}
	r.report.Warnings = append(r.report.Warnings, fmt.Sprintf(format, args...))
}

// Begin starts timing a step.
func (r *Recorder) Begin(name string) *Step {
	if r != nil {
		r.logger.Step(name)
	}
	return &Step{rec: r, name: name, started: r.clock()}
}

func (r *Recorder) clock() time.Time {
	if r == nil || r.now == nil {
		return time.Now()
	}
	return r.now()
}

// Step is an in-flight report line.
type Step struct {
	rec     *Recorder
	name    string
	started time.Time
}

// Succeed ends the step successfully.
func (s *Step) Succeed(format string, args ...interface{}) {
	s.finish(OutcomeSucceeded, fmt.Sprintf(format, args...))
}

// Fail ends the step with err.
func (s *Step) Fail(err error) {
	s.finish(OutcomeFailed, err.Error())
}

// Skip ends the step without doing anything.
func (s *Step) Skip(format string, args ...interface{}) {
	s.finish(OutcomeSkipped, fmt.Sprintf(format, args...))
}

// Degrade ends the step with a warning.
func (s *Step) Degrade(format string, args ...interface{}) {
	s.finish(OutcomeDegraded, fmt.Sprintf(format, args...))
}

// Plan ends a dry-run step, listing the mutations it would have made.
func (s *Step) Plan(actions ...string) {
	s.finish(OutcomePlanned, strings.Join(actions, "; "))
}

func (s *Step) finish(outcome Outcome, detail string) {
	r := s.rec
	if r == nil {
		return
	}
	duration := r.clock().Sub(s.started)
	if r.report != nil {
		r.report.Steps = append(r.report.Steps, StepRecord{
			Name:      s.name,
			Outcome:   outcome,
			Detail:    detail,
			StartedAt: s.started,
			Duration:  duration,
		})
	}
	r.metrics.RecordStep(s.name, string(outcome), duration.Seconds())

	switch outcome {
	case OutcomeFailed:
		r.logger.Error("%s failed: %s", s.name, detail)
	case OutcomeDegraded:
		r.logger.Warn("%s: %s", s.name, detail)
	case OutcomePlanned:
		r.logger.Info("%s (planned): %s", s.name, detail)
	default:
		if detail != "" {
			r.logger.Info("%s: %s", s.name, detail)
		} else {
			r.logger.Info("%s", s.name)
		}
	}
}
