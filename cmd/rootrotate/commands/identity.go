package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/pkg/rotation"
)

type identityOutput struct {
	Cluster   rotation.ClusterIdentity `json:"cluster" yaml:"cluster"`
	Principal rotation.IAMPrincipal    `json:"principal" yaml:"principal"`
}

// NewIdentityCommand creates the identity command
func NewIdentityCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the cluster identity and its IAM principal",
		Long: `Resolve the cluster identity from the Infrastructure object and the AWS
caller, and show the name of the IAM principal derived from it. Nothing is
created.`,
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

			identity, principal, err := resolveIdentity(cmd.Context(), cfg, def, c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, format, identityOutput{Cluster: identity, Principal: principal})
			if done || err != nil {
				return err
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Cluster ID:\t%s\n", identity.ClusterID)
			fmt.Fprintf(w, "Cluster name:\t%s\n", identity.ClusterName)
			fmt.Fprintf(w, "Platform:\t%s\n", identity.Platform)
			fmt.Fprintf(w, "Region:\t%s\n", orDash(identity.Region))
			fmt.Fprintf(w, "Account:\t%s\n", identity.CloudAccountID)
			fmt.Fprintf(w, "Principal:\t%s\n", principal.Name)
			if principal.Exists {
				fmt.Fprintf(w, "Principal ARN:\t%s\n", principal.ARN)
			} else {
				fmt.Fprintf(w, "Principal ARN:\t(not created yet)\n")
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}
