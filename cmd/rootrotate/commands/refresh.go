package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewRefreshCommand creates the refresh command
func NewRefreshCommand(cfg *config.Config) *cobra.Command {
	var (
		dryRun bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Force every component credential to be re-minted",
		Long: `Delete the secret of every AWS CredentialsRequest so the minting operator
re-issues it from the current root credential, then wait until each secret
is back. A component whose secret does not come back is reported as degraded.

Use this after a rotation that stopped before the refresh stage.`,
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

			report := &rotation.Report{DryRun: dryRun}
			rec := rotation.NewRecorder(report, cfg.Logger, nil)
			refresher := rotation.NewRefresher(c.cluster, rotation.RefresherConfig{
				DryRun:       dryRun,
				PollInterval: def.Rotation.PollInterval.Duration,
				Timeout:      def.Rotation.RefreshTimeout.Duration,
			}, cfg.Logger, rec)

			result, err := refresher.RefreshAll(ctx, time.Now())
			out := cmd.OutOrStdout()
			done, werr := writeStructured(out, format, result.Components)
			if werr != nil {
				return werr
			}
			if !done && len(result.Components) > 0 {
				if werr := renderComponents(out, result.Components); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}

			if result.Degraded() {
				counts := result.Counts()
				return &ExitError{Code: 2, Err: fmt.Errorf("%d component(s) degraded, %d failed",
					counts[string(rotation.ComponentDegraded)], counts[string(rotation.ComponentFailed)])}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the secrets that would be deleted")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}
