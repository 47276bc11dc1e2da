package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/providers"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewBackupCommand creates the backup command group
func NewBackupCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect pre-mutation backups",
		Long: `Every rotation snapshots the root secret and the principal's key metadata
before changing anything. Backups are never overwritten or deleted by
rootrotate.`,
	}

	cmd.AddCommand(
		newBackupListCommand(cfg),
		newBackupShowCommand(cfg),
	)

	return cmd
}

func newBackupListCommand(cfg *config.Config) *cobra.Command {
	var (
		kind   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			if kind != "" && !storage.Kind(kind).Valid() {
				return rrerrors.UserError{
					Message:    fmt.Sprintf("Unknown backup kind %q", kind),
					Suggestion: fmt.Sprintf("Use %s or %s", storage.KindRootSecret, storage.KindAccessKeyMeta),
				}
			}
			def, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			store, err := backupStoreFor(cmd.Context(), def)
			if err != nil {
				return err
			}

			ids, err := store.List(cmd.Context(), storage.Kind(kind))
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}
			rows := backupRows(ids)

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, format, rows)
			if done || err != nil {
				return err
			}
			return renderBackups(out, rows, time.Now())
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only list backups of this kind: rootsecret, accesskeymeta")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func newBackupShowCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Show a backup without its secret material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			store, err := backupStoreFor(cmd.Context(), def)
			if err != nil {
				return err
			}

			backup, err := store.Read(cmd.Context(), args[0])
			if err != nil {
				return rrerrors.UserError{
					Message:    fmt.Sprintf("Cannot read backup %s", args[0]),
					Details:    err.Error(),
					Suggestion: "List backups with 'rootrotate backup list'",
				}
			}
			return renderBackup(cmd.OutOrStdout(), backup)
		},
	}

	return cmd
}

// backupStoreFor opens the backup store, loading AWS configuration only when
// the backend needs it.
func backupStoreFor(ctx context.Context, def *config.Definition) (storage.BackupStore, error) {
	var awsCfg aws.Config
	if def.Backup.Backend == config.BackendSecretsManager {
		var err error
		awsCfg, err = providers.LoadAWSConfig(ctx, providers.AWSOptions{
			Profile: def.AWS.Profile,
			Region:  def.AWS.Region,
		})
		if err != nil {
			return nil, err
		}
	}
	return openBackupStore(def, awsCfg)
}

func backupRows(ids []string) []backupRow {
	rows := make([]backupRow, 0, len(ids))
	for _, id := range ids {
		ts, kind, err := storage.ParseBackupID(id)
		if err != nil {
			continue
		}
		rows = append(rows, backupRow{ID: id, Kind: kind, Timestamp: ts})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})
	return rows
}

func renderBackup(out io.Writer, b *storage.Backup) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", b.ID)
	fmt.Fprintf(w, "Kind:\t%s\n", b.Kind)
	fmt.Fprintf(w, "Taken:\t%s\n", b.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Run:\t%s\n", orDash(b.RunID))

	switch b.Kind {
	case storage.KindRootSecret:
		snap, err := storage.DecodeRootSecret(b)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Secret:\t%s/%s\n", snap.Namespace, snap.Name)
		fmt.Fprintf(w, "Access key:\t%s\n", orDash(string(snap.Data[rotation.SecretKeyAccessKeyID])))
		fmt.Fprintf(w, "Rotated at:\t%s\n", orDash(snap.Annotations[rotation.AnnotationLastRotatedAt]))
		fmt.Fprintf(w, "Rotated by:\t%s\n", orDash(snap.Annotations[rotation.AnnotationRotatedBy]))
	case storage.KindAccessKeyMeta:
		snap, err := storage.DecodeAccessKeys(b)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Principal:\t%s\n", snap.Principal)
		fmt.Fprintf(w, "In use:\t%s\n", orDash(snap.ReferencedKeyID))
		for _, k := range snap.Keys {
			fmt.Fprintf(w, "Key:\t%s %s (created %s)\n", k.ID, k.Status, k.CreatedAt.UTC().Format(time.RFC3339))
		}
	}
	return w.Flush()
}
