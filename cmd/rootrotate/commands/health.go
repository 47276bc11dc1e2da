package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/rotation/health"
)

// NewHealthCommand creates the health command
func NewHealthCommand(cfg *config.Config) *cobra.Command {
	var (
		wait   bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check cluster operator health",
		Long: `Read every ClusterOperator and report those that are unavailable or
degraded for credential reasons. With --wait, poll until they settle or
health.timeout elapses.`,
		Example: `  # One-off check
  rootrotate health

  # Wait for the cluster to settle after a rotation
  rootrotate health --wait`,
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

			verifier := health.NewVerifier(c.cluster, verifierConfig(def), cfg.Logger)

			var res health.HealthResult
			if wait {
				timeout := def.Health.Timeout.Duration
				var sp *spinner.Spinner
				if !cfg.NonInteractive && format == formatTable {
					sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
					sp.Writer = os.Stderr
					sp.Suffix = fmt.Sprintf(" Waiting up to %s for cluster operators", timeout)
					sp.Start()
				}
				res, err = verifier.AwaitHealthy(ctx, timeout)
				if sp != nil {
					sp.Stop()
				}
			} else {
				res, err = verifier.Check(ctx)
			}
			if err != nil && !errors.Is(err, health.ErrNotConverged) {
				return err
			}

			out := cmd.OutOrStdout()
			done, werr := writeStructured(out, format, res)
			if werr != nil {
				return werr
			}
			if !done {
				if werr := renderHealth(out, res); werr != nil {
					return werr
				}
			}

			switch {
			case res.Healthy:
				return nil
			case res.MintingOperatorHealthy:
				return &ExitError{Code: 2}
			default:
				return &ExitError{Code: 1}
			}
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until operators settle or health.timeout elapses")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}
