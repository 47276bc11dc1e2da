package rotation

import (
	"context"
	"fmt"

	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/rollback"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/internal/secure"
)

// Restorer writes a root secret backup back to the cluster and confirms the
// restored key authenticates.
type Restorer struct {
	cluster  ClusterClient
	backups  storage.BackupStore
	verifier KeyVerifier
	manager  *rollback.Manager
	logger   *logging.Logger
}

// NewRestorer creates a Restorer driven by manager.
func NewRestorer(cluster ClusterClient, backups storage.BackupStore, verifier KeyVerifier, manager *rollback.Manager, logger *logging.Logger) *Restorer {
	return &Restorer{
		cluster:  cluster,
		backups:  backups,
		verifier: verifier,
		manager:  manager,
		logger:   logger,
	}
}

// RestoreRequest describes one restore.
type RestoreRequest struct {
	BackupID    string
	Reason      string
	ClusterID   string
	Principal   string
	RunID       string
	FailedKeyID string
	InitiatedBy string

	// Manual marks the restore as operator-requested.
	Manual bool
}

// Restore loads the backup, writes it over the secret it was taken from, and
// confirms the restored key once.
func (r *Restorer) Restore(ctx context.Context, req RestoreRequest) (*rollback.Result, error) {
	backup, err := r.backups.Read(ctx, req.BackupID)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup %s: %w", req.BackupID, err)
	}
	snap, err := storage.DecodeRootSecret(backup)
	if err != nil {
		return nil, err
	}
	restoredKeyID := string(snap.Data[SecretKeyAccessKeyID])

	rbReq := rollback.Request{
		Target:        snap.Namespace + "/" + snap.Name,
		ClusterID:     req.ClusterID,
		Principal:     req.Principal,
		RunID:         req.RunID,
		BackupID:      req.BackupID,
		Reason:        req.Reason,
		RestoredKeyID: restoredKeyID,
		FailedKeyID:   req.FailedKeyID,
		InitiatedBy:   req.InitiatedBy,
		RestoreFunc: func(ctx context.Context) error {
			return r.cluster.UpdateSecret(ctx, snap.Namespace, snap.Name, cloneData(snap.Data), cloneStrings(snap.Annotations))
		},
		VerifyFunc: func(ctx context.Context) error {
			return r.confirmSnapshotKey(ctx, snap)
		},
	}

	if req.Manual {
		return r.manager.ManualRollback(ctx, rbReq)
	}
	return r.manager.TriggerRollback(ctx, rbReq)
}

func (r *Restorer) confirmSnapshotKey(ctx context.Context, snap *storage.RootSecretSnapshot) error {
	if r.verifier == nil {
		return nil
	}
	raw := snap.Data[SecretKeySecretAccessKey]
	if len(raw) == 0 {
		return fmt.Errorf("backup of %s/%s has no %s", snap.Namespace, snap.Name, SecretKeySecretAccessKey)
	}
	secret, err := secure.NewSecretKey(append([]byte(nil), raw...))
	if err != nil {
		return err
	}
	defer secret.Destroy()

	key := AccessKey{ID: string(snap.Data[SecretKeyAccessKeyID]), Secret: secret, Status: KeyActive}
	arn, err := r.verifier.Confirm(ctx, key)
	if err != nil {
		return fmt.Errorf("restored key %s does not authenticate: %w", logging.MaskKeyID(key.ID), err)
	}
	r.logger.Debug("restored key %s resolves to %s", logging.MaskKeyID(key.ID), arn)
	return nil
}

func cloneData(in map[string][]byte) map[string][]byte {
	if in == nil {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
