package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/pkg/rotation"
)

// NewRollbackCommand creates the rollback command
func NewRollbackCommand(cfg *config.Config) *cobra.Command {
	var (
		reason string
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <backup-id>",
		Short: "Restore the root secret from a backup",
		Long: `Write a root secret backup back to the cluster and confirm that the
restored key still authenticates.

Use this when a rotation failed after the new key was installed and the
automatic restore did not run or did not succeed. The backup ID is printed
at the end of every failed run and listed by 'rootrotate backup list'.`,
		Example: `  # Restore a backup after a failed rotation
  rootrotate rollback 20260102T030405.000000000Z-rootsecret --reason "new key never confirmed"

  # Show what would be restored
  rootrotate rollback 20260102T030405.000000000Z-rootsecret --reason "check" --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return rrerrors.UserError{
					Message:    "Reason is required for audit trail",
					Suggestion: "Use --reason flag to explain why rollback is needed",
				}
			}
			def, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			return executeRollback(cmd, cfg, def, args[0], reason, force, dryRun)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason for rollback (required for audit trail)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview rollback without executing")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func executeRollback(cmd *cobra.Command, cfg *config.Config, def *config.Definition, backupID, reason string, force, dryRun bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	c, err := connect(ctx, cfg, def)
	if err != nil {
		return err
	}
	backups, err := openBackupStore(def, c.aws)
	if err != nil {
		return err
	}

	backup, err := backups.Read(ctx, backupID)
	if err != nil {
		return rrerrors.UserError{
			Message:    fmt.Sprintf("Cannot read backup %s", backupID),
			Details:    err.Error(),
			Suggestion: "List backups with 'rootrotate backup list --kind rootsecret'",
		}
	}
	snap, err := storage.DecodeRootSecret(backup)
	if err != nil {
		return rrerrors.UserError{
			Message:    err.Error(),
			Suggestion: "Only rootsecret backups can be restored",
		}
	}

	ref := rotation.SecretRef{Namespace: snap.Namespace, Name: snap.Name}
	var currentKeyID string
	if current, err := c.cluster.GetSecret(ctx, ref.Namespace, ref.Name); err == nil {
		currentKeyID = string(current.Data[rotation.SecretKeyAccessKeyID])
	} else if !rrerrors.IsNotFound(err) {
		return err
	}

	if err := displayRollbackPlan(out, backup, ref, currentKeyID, string(snap.Data[rotation.SecretKeyAccessKeyID]), reason); err != nil {
		return err
	}

	if dryRun {
		fmt.Fprintln(out, "\n[DRY RUN] No changes made. Remove --dry-run to execute.")
		return nil
	}

	if !force {
		if cfg.NonInteractive {
			return rrerrors.UserError{
				Message:    "Rollback needs confirmation",
				Suggestion: "Pass --force in non-interactive mode",
			}
		}
		if !confirm(cmd.InOrStdin(), out, "\nProceed with rollback? (y/N): ") {
			fmt.Fprintln(out, "Rollback cancelled")
			return nil
		}
	}

	fmt.Fprintln(out, "\nExecuting rollback...")

	notifier := startNotifier(ctx, cfg, def)
	defer notifier.Stop()

	initiatedBy := getUsername()
	if caller, err := c.iam.GetCallerIdentity(ctx); err == nil {
		initiatedBy = caller.ARN
	}
	var clusterID string
	if identity, err := rotation.NewResolver(c.cluster, c.iam, cfg.Logger).Resolve(ctx); err == nil {
		clusterID = identity.ClusterID
	} else {
		cfg.Logger.Warn("Could not resolve cluster identity: %v", err)
	}

	restorer := rotation.NewRestorer(c.cluster, backups, c.verifier, rollbackManager(cfg, def, notifier), cfg.Logger)
	started := time.Now()
	result, err := restorer.Restore(ctx, rotation.RestoreRequest{
		BackupID:    backupID,
		Reason:      reason,
		ClusterID:   clusterID,
		RunID:       backup.RunID,
		FailedKeyID: currentKeyID,
		InitiatedBy: initiatedBy,
		Manual:      true,
	})

	entry := storage.HistoryEntry{
		ID:            uuid.NewString(),
		Timestamp:     started.UTC(),
		ClusterID:     clusterID,
		Action:        "rollback",
		Status:        "rolled_back",
		Duration:      time.Since(started),
		User:          initiatedBy,
		PreviousKeyID: currentKeyID,
		NewKeyID:      string(snap.Data[rotation.SecretKeyAccessKeyID]),
		Backups:       []string{backupID},
	}
	if err != nil {
		entry.Status = "Failed"
		entry.Error = err.Error()
	}
	if herr := historyStore().SaveHistory(&entry); herr != nil {
		cfg.Logger.Warn("Failed to save history: %v", herr)
	}

	if err != nil {
		return rrerrors.UserError{
			Message:    "Rollback failed",
			Details:    err.Error(),
			Suggestion: "Check the backup and the operator's AWS access, then retry",
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Rollback completed successfully\n")
	fmt.Fprintf(out, "  Secret:     %s\n", ref)
	fmt.Fprintf(out, "  Key:        %s\n", entry.NewKeyID)
	fmt.Fprintf(out, "  Duration:   %s\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Attempts:   %d\n", result.Attempts)
	fmt.Fprintln(out, "\nComponent credentials were minted from the rolled-back key; run 'rootrotate refresh' if any are stale.")
	return nil
}

func displayRollbackPlan(out io.Writer, backup *storage.Backup, ref rotation.SecretRef, currentKeyID, restoredKeyID, reason string) error {
	fmt.Fprintln(out, "Rollback Plan")
	fmt.Fprintln(out, "=============")
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Backup:\t%s\n", backup.ID)
	fmt.Fprintf(w, "Taken:\t%s\n", backup.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Secret:\t%s\n", ref)
	fmt.Fprintf(w, "Current key:\t%s\n", orDash(currentKeyID))
	fmt.Fprintf(w, "Restored key:\t%s\n", orDash(restoredKeyID))
	fmt.Fprintf(w, "Reason:\t%s\n", reason)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Actions to perform:")
	fmt.Fprintln(out, "  1. Write the backup over the root secret")
	fmt.Fprintln(out, "  2. Confirm the restored key authenticates")
	fmt.Fprintln(out, "  3. Record the rollback in history")
	fmt.Fprintln(out, "  4. Send notifications")
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// getUsername returns the current user's username for audit trail
func getUsername() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
