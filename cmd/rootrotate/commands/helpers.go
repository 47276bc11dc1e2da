package commands

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/systmms/rootrotate/internal/config"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/providers"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/rotation/notifications"
	"github.com/systmms/rootrotate/internal/rotation/rollback"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// ExitError carries a process exit code out of a command. A nil Err exits
// silently.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// loadConfig loads cfg once per command.
func loadConfig(cfg *config.Config) (*config.Definition, error) {
	if cfg.Definition != nil {
		return cfg.Definition, nil
	}
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Definition, nil
}

// clients are the live AWS and cluster connections of one command.
type clients struct {
	aws      aws.Config
	iam      *providers.AWSIAMClient
	verifier *providers.STSKeyVerifier
	cluster  *providers.KubeClient
}

func connect(ctx context.Context, cfg *config.Config, def *config.Definition) (*clients, error) {
	awsCfg, err := providers.LoadAWSConfig(ctx, providers.AWSOptions{
		Profile: def.AWS.Profile,
		Region:  def.AWS.Region,
	})
	if err != nil {
		return nil, err
	}

	cluster, err := providers.NewKubeClient(providers.KubeOptions{
		Kubeconfig: def.Cluster.Kubeconfig,
		Context:    def.Cluster.Context,
	}, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &clients{
		aws:      awsCfg,
		iam:      providers.NewAWSIAMClient(awsCfg, providers.WithIAMLogger(cfg.Logger)),
		verifier: providers.NewSTSKeyVerifier(awsCfg, nil),
		cluster:  cluster,
	}, nil
}

// openBackupStore returns the configured backup backend. awsCfg is only
// read for the secretsmanager backend.
func openBackupStore(def *config.Definition, awsCfg aws.Config) (storage.BackupStore, error) {
	switch def.Backup.Backend {
	case config.BackendSecretsManager:
		sm := def.Backup.SecretsManager
		client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
			if sm.Region != "" {
				o.Region = sm.Region
			}
		})
		return storage.NewSecretsManagerStore(client, sm.Prefix, sm.KMSKeyID), nil
	case config.BackendFile, "":
		return storage.NewFileStorage(backupDir(def)), nil
	default:
		return nil, rrerrors.ConfigError{
			Field:      "backup.backend",
			Value:      def.Backup.Backend,
			Message:    "unknown backup backend",
			Suggestion: "Use file or secretsmanager",
		}
	}
}

func backupDir(def *config.Definition) string {
	if def.Backup.Dir != "" {
		return def.Backup.Dir
	}
	return storage.DefaultStorageDir()
}

func historyStore() *storage.FileStorage {
	return storage.NewFileStorage(storage.DefaultStorageDir())
}

func rootSecretRef(def *config.Definition) rotation.SecretRef {
	return rotation.SecretRef{
		Namespace: def.Cluster.RootSecret.Namespace,
		Name:      def.Cluster.RootSecret.Name,
	}
}

func engineConfig(def *config.Definition, dryRun bool) rotation.EngineConfig {
	r := def.Rotation
	return rotation.EngineConfig{
		DryRun:          dryRun,
		RootSecret:      rootSecretRef(def),
		PrincipalPrefix: r.PrincipalPrefix,
		PolicyName:      r.PolicyName,
		KeyMaxAge:       r.KeyMaxAge.Duration,
		Confirm: rotation.ConfirmConfig{
			Attempts: uint64(r.Confirm.Attempts),
			Interval: r.Confirm.Interval.Duration,
			Timeout:  r.Confirm.Timeout.Duration,
		},
		Refresh: rotation.RefresherConfig{
			PollInterval: r.PollInterval.Duration,
			Timeout:      r.RefreshTimeout.Duration,
		},
		Health:        verifierConfig(def),
		HealthTimeout: def.Health.Timeout.Duration,
		Timeout:       r.Timeout.Duration,
	}
}

func verifierConfig(def *config.Definition) health.VerifierConfig {
	return health.VerifierConfig{
		PollInterval:    def.Health.PollInterval.Duration,
		MintingOperator: def.Cluster.MintingOperator,
	}
}

// startNotifier starts the configured notification providers. Invalid
// providers are logged and skipped; the caller must Stop the manager.
func startNotifier(ctx context.Context, cfg *config.Config, def *config.Definition) *notifications.Manager {
	manager, err := notifications.FromConfig(def.Notifications, cfg.Logger)
	if err != nil {
		cfg.Logger.Warn("Some notification providers are disabled: %v", err)
	}
	manager.Start(ctx)
	return manager
}

func rollbackManager(cfg *config.Config, def *config.Definition, notifier rollback.Notifier) *rollback.Manager {
	return rollback.NewManager(rollback.ConfigFrom(def.Rollback), notifier, cfg.Logger)
}

// resolveIdentity resolves the cluster identity and looks up its principal
// without changing anything.
func resolveIdentity(ctx context.Context, cfg *config.Config, def *config.Definition, c *clients) (rotation.ClusterIdentity, rotation.IAMPrincipal, error) {
	identity, err := rotation.NewResolver(c.cluster, c.iam, cfg.Logger).Resolve(ctx)
	if err != nil {
		return rotation.ClusterIdentity{}, rotation.IAMPrincipal{}, err
	}
	pm := rotation.NewPrincipalManager(c.iam, rotation.PrincipalConfig{
		Prefix:     def.Rotation.PrincipalPrefix,
		PolicyName: def.Rotation.PolicyName,
		DryRun:     true,
	}, cfg.Logger, nil)
	principal, err := pm.Lookup(ctx, identity)
	if err != nil {
		return identity, rotation.IAMPrincipal{}, err
	}
	return identity, principal, nil
}
