package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/rotation/notifications"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewRotateCommand creates the rotate command
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		dryRun     bool
		reportPath string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the root credential end to end",
		Long: `Run a full rotation of the cluster's AWS root credential.

The run will:
1. Validate the cluster, the operator identity and the credentials mode
2. Resolve the cluster identity and derive the IAM principal name
3. Create or repair the principal and its inline policy
4. Back up the root secret, retire stale keys and mint a new key
5. Install the new key, confirm it authenticates and retire the old one
6. Force every component credential to be re-minted
7. Wait for the cluster operators to settle

A report is printed whatever the outcome. The exit code is 0 on success,
2 when the rotation completed with warnings and 1 otherwise.`,
		Example: `  # Preview every mutation without making any
  rootrotate rotate --dry-run

  # Rotate and keep the JSON report
  rootrotate rotate --report rotation.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			def, err := loadConfig(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := connect(ctx, cfg, def)
			if err != nil {
				return err
			}

			report, err := executeRotation(ctx, cfg, def, c, dryRun)
			if err != nil {
				return err
			}

			if reportPath != "" {
				if err := writeReportFile(reportPath, report); err != nil {
					cfg.Logger.Warn("Failed to write report to %s: %v", reportPath, err)
				}
			}

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, format, report)
			if err != nil {
				return err
			}
			if !done {
				if err := renderReport(out, report); err != nil {
					return err
				}
			}

			if code := report.FinalStatus.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan the rotation without mutating anything")
	cmd.Flags().StringVar(&reportPath, "report", "", "Also write the JSON report to this file")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func executeRotation(ctx context.Context, cfg *config.Config, def *config.Definition, c *clients, dryRun bool) (*rotation.Report, error) {
	backups, err := openBackupStore(def, c.aws)
	if err != nil {
		return nil, err
	}

	notifier := startNotifier(ctx, cfg, def)

	var metrics *health.RotationMetrics
	if def.Metrics.Textfile != "" {
		health.InitMetrics()
		notifications.InitMetrics()
		metrics = health.NewRotationMetrics()
	}

	engine := rotation.NewEngine(rotation.Dependencies{
		IAM:      c.iam,
		Cluster:  c.cluster,
		Verifier: c.verifier,
		Backups:  backups,
		History:  historyStore(),
		Rollback: rollbackManager(cfg, def, notifier),
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   cfg.Logger,
	}, engineConfig(def, dryRun))

	report := engine.Run(ctx)
	// Flush queued events so delivery failures are counted below.
	notifier.Stop()

	if def.Metrics.Textfile != "" {
		if err := health.WriteTextfile(def.Metrics.Textfile); err != nil {
			cfg.Logger.Warn("Failed to write metrics to %s: %v", def.Metrics.Textfile, err)
		}
	}
	return report, nil
}

func writeReportFile(path string, report *rotation.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	// Reports name key IDs and backups, so keep them private.
	return os.WriteFile(path, append(data, '\n'), 0600)
}
