package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewPrincipalCommand creates the principal command group
func NewPrincipalCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage the IAM principal that owns the root key",
	}

	cmd.AddCommand(newPrincipalEnsureCommand(cfg))

	return cmd
}

func newPrincipalEnsureCommand(cfg *config.Config) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the principal or repair its policy",
		Long: `Create the cluster's IAM principal if it does not exist, tagged with the
cluster ID, and put its inline policy. An existing principal whose policy has
drifted is repaired. Running it again changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := connect(ctx, cfg, def)
			if err != nil {
				return err
			}

			identity, err := rotation.NewResolver(c.cluster, c.iam, cfg.Logger).Resolve(ctx)
			if err != nil {
				return err
			}

			report := &rotation.Report{DryRun: dryRun}
			rec := rotation.NewRecorder(report, cfg.Logger, nil)
			pm := rotation.NewPrincipalManager(c.iam, rotation.PrincipalConfig{
				Prefix:     def.Rotation.PrincipalPrefix,
				PolicyName: def.Rotation.PolicyName,
				DryRun:     dryRun,
			}, cfg.Logger, rec)
			principal, err := pm.EnsurePrincipal(ctx, identity)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range report.Steps {
				fmt.Fprintf(out, "%s %s\n", formatOutcome(string(s.Outcome)), s.Detail)
			}
			if principal.ARN != "" {
				fmt.Fprintf(out, "Principal: %s\n", principal.ARN)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would change without changing it")

	return cmd
}
