// Package storage persists pre-mutation backups and rotation history.
//
// Backups are append-only: an ID is derived from the write timestamp and the
// backup kind, and an existing ID is never overwritten.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a backup snapshot contains.
type Kind string

const (
	// KindAccessKeyMeta holds metadata for every access key on the principal.
	KindAccessKeyMeta Kind = "accesskeymeta"

	// KindRootSecret holds the full root secret, including its secret key.
	KindRootSecret Kind = "rootsecret"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAccessKeyMeta || k == KindRootSecret
}

// Backup is an immutable pre-mutation snapshot.
type Backup struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload"`
}

// BackupStore is append-only storage for snapshots. The forward rotation
// path only writes; reads serve operator-triggered or automatic rollback.
type BackupStore interface {
	// Write stores payload and returns the new backup ID.
	Write(ctx context.Context, kind Kind, runID string, payload []byte) (string, error)

	// List returns backup IDs of the given kind, newest first. An empty
	// kind lists everything.
	List(ctx context.Context, kind Kind) ([]string, error)

	// Read loads a single backup.
	Read(ctx context.Context, id string) (*Backup, error)
}

// HistoryStore records finished rotation runs.
type HistoryStore interface {
	// SaveHistory saves a rotation history entry
	SaveHistory(entry *HistoryEntry) error

	// GetHistory retrieves rotation history for a cluster
	GetHistory(clusterID string, limit int) ([]HistoryEntry, error)

	// GetAllHistory retrieves rotation history for all clusters
	GetAllHistory(limit int) ([]HistoryEntry, error)
}

// HistoryEntry represents a single rotation run or rollback.
type HistoryEntry struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	ClusterID     string        `json:"cluster_id"`
	Principal     string        `json:"principal,omitempty"`
	Action        string        `json:"action"` // rotate, dry-run, rollback
	Status        string        `json:"status"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	User          string        `json:"user,omitempty"`
	PreviousKeyID string        `json:"previous_key_id,omitempty"`
	NewKeyID      string        `json:"new_key_id,omitempty"`
	Backups       []string      `json:"backups,omitempty"`
	Steps         []StepResult  `json:"steps,omitempty"`
}

// StepResult represents the result of a single rotation step
type StepResult struct {
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	Detail      string        `json:"detail,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// AccessKeyRecord is the non-secret metadata of one access key.
type AccessKeyRecord struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessKeySnapshot is the payload of a KindAccessKeyMeta backup.
type AccessKeySnapshot struct {
	Principal       string            `json:"principal"`
	ReferencedKeyID string            `json:"referenced_key_id,omitempty"`
	Keys            []AccessKeyRecord `json:"keys"`
}

// RootSecretSnapshot is the payload of a KindRootSecret backup.
type RootSecretSnapshot struct {
	Namespace   string            `json:"namespace"`
	Name        string            `json:"name"`
	Data        map[string][]byte `json:"data"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// DecodeRootSecret unmarshals a root secret backup payload.
func DecodeRootSecret(b *Backup) (*RootSecretSnapshot, error) {
	if b.Kind != KindRootSecret {
		return nil, fmt.Errorf("backup %s is %s, not %s", b.ID, b.Kind, KindRootSecret)
	}
	var snap RootSecretSnapshot
	if err := json.Unmarshal(b.Payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", b.ID, err)
	}
	return &snap, nil
}

// DecodeAccessKeys unmarshals an access key metadata backup payload.
func DecodeAccessKeys(b *Backup) (*AccessKeySnapshot, error) {
	if b.Kind != KindAccessKeyMeta {
		return nil, fmt.Errorf("backup %s is %s, not %s", b.ID, b.Kind, KindAccessKeyMeta)
	}
	var snap AccessKeySnapshot
	if err := json.Unmarshal(b.Payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", b.ID, err)
	}
	return &snap, nil
}

// idTimeLayout sorts lexically in time order.
const idTimeLayout = "20060102T150405.000000000Z"

// NewBackupID derives an ID from a timestamp and kind.
func NewBackupID(ts time.Time, kind Kind) string {
	return fmt.Sprintf("%s-%s", ts.UTC().Format(idTimeLayout), kind)
}

// ParseBackupID extracts the timestamp and kind from an ID.
func ParseBackupID(id string) (time.Time, Kind, error) {
	if len(id) < len(idTimeLayout)+2 || id[len(idTimeLayout)] != '-' {
		return time.Time{}, "", fmt.Errorf("malformed backup id %q", id)
	}
	ts, err := time.Parse(idTimeLayout, id[:len(idTimeLayout)])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed backup id %q: %w", id, err)
	}
	kind := Kind(id[len(idTimeLayout)+1:])
	if i := strings.IndexByte(string(kind), '.'); i >= 0 {
		kind = kind[:i]
	}
	if !kind.Valid() {
		return time.Time{}, "", fmt.Errorf("malformed backup id %q: unknown kind", id)
	}
	return ts, kind, nil
}
