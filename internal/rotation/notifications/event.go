package notifications

import (
	"time"
)

// EventType represents the type of rotation event.
type EventType string

const (
	// EventTypeStarted indicates a rotation has started.
	EventTypeStarted EventType = "started"

	// EventTypeCompleted indicates a rotation has completed, possibly with warnings.
	EventTypeCompleted EventType = "completed"

	// EventTypeFailed indicates a rotation has failed or aborted.
	EventTypeFailed EventType = "failed"

	// EventTypeRollback indicates the root secret was restored from a backup.
	EventTypeRollback EventType = "rollback"
)

// RotationStatus represents the outcome status of a rotation.
type RotationStatus string

const (
	// StatusSuccess indicates the rotation completed successfully.
	StatusSuccess RotationStatus = "success"

	// StatusWarning indicates the rotation completed but some components
	// did not converge.
	StatusWarning RotationStatus = "warning"

	// StatusFailure indicates the rotation failed.
	StatusFailure RotationStatus = "failure"

	// StatusRolledBack indicates the root secret was restored.
	StatusRolledBack RotationStatus = "rolled_back"
)

// RotationEvent represents a rotation lifecycle event for notifications.
// It never carries secret material.
type RotationEvent struct {
	// Type is the type of event (started, completed, failed, rollback).
	Type EventType

	// ClusterID is the infrastructure name of the cluster.
	ClusterID string

	// Principal is the IAM user whose key is rotated.
	Principal string

	// DryRun is set when no mutation was made.
	DryRun bool

	// Status is the outcome status.
	Status RotationStatus

	// Error contains the error if the rotation failed.
	Error error

	// Duration is how long the rotation took.
	Duration time.Duration

	// Metadata contains additional context about the rotation.
	Metadata map[string]string

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// RunID is the unique identifier for this run.
	RunID string

	// PreviousKeyID is the key the root secret referenced before the run.
	PreviousKeyID string

	// NewKeyID is the key minted by the run.
	NewKeyID string

	// InitiatedBy is the ARN of the operator that ran the rotation.
	InitiatedBy string
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeStarted,
		EventTypeCompleted,
		EventTypeFailed,
		EventTypeRollback,
	}
}
