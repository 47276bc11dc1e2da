package commands

import (
	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewPreflightCommand creates the preflight command
func NewPreflightCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that a rotation can run",
		Long: `Run every preflight check without changing anything:

- the cluster API is reachable
- the current cluster user is cluster-admin
- the AWS identity resolves
- the AWS identity may manage IAM users and access keys
- the credentials mode is Mint and the root secret holds a key

Every check runs, so one failure does not hide another.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			def, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			c, err := connect(cmd.Context(), cfg, def)
			if err != nil {
				return err
			}

			res, err := rotation.NewPreflight(c.cluster, c.iam, rootSecretRef(def), cfg.Logger).Validate(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, format, res)
			if err != nil {
				return err
			}
			if !done {
				if err := renderPreflight(out, res); err != nil {
					return err
				}
			}
			if !res.OK() {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}
