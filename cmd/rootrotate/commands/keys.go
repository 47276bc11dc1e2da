package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewKeysCommand creates the keys command
func NewKeysCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the principal's access keys",
		Long: `List the access keys of the cluster's IAM principal with their age and
status. The key installed in the root secret is marked; keys older than
rotation.keyMaxAge are flagged as expired.`,
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

			_, principal, err := resolveIdentity(ctx, cfg, def, c)
			if err != nil {
				return err
			}
			if !principal.Exists {
				return rrerrors.UserError{
					Message:    fmt.Sprintf("Principal %s does not exist", principal.Name),
					Suggestion: "Run 'rootrotate principal ensure' or 'rootrotate rotate'",
				}
			}

			keys, err := c.iam.ListAccessKeys(ctx, principal.Name)
			if err != nil {
				return err
			}

			var referenced string
			ref := rootSecretRef(def)
			secret, err := c.cluster.GetSecret(ctx, ref.Namespace, ref.Name)
			switch {
			case err == nil:
				referenced = string(secret.Data[rotation.SecretKeyAccessKeyID])
			case rrerrors.IsNotFound(err):
				cfg.Logger.Warn("Root secret %s not found", ref)
			default:
				return err
			}

			now := time.Now()
			rows := keyRows(keys, referenced, def.Rotation.KeyMaxAge.Duration, now)

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, format, rows)
			if done || err != nil {
				return err
			}
			return renderKeys(out, principal.Name, rows, now)
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}
