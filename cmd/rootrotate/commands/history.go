package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/rotation/storage"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var (
		historyLimit   int
		historyCluster string
		historySince   string
		historyUntil   string
		historyStatus  string
		historyFormat  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past rotations and rollbacks",
		Long: `Display the recorded rotation runs and manual rollbacks, newest first.

Shows for each entry:
- Timestamp and cluster
- Action (rotate, dry-run, rollback)
- Final status and duration
- The key installed by the run
- Error messages (if any)`,
		Example: `  # Show history for all clusters
  rootrotate history

  # Show history for one cluster
  rootrotate history --cluster prod-east-x7k2p

  # Filter by date range
  rootrotate history --since 2026-01-01 --until 2026-03-31

  # Show only failures
  rootrotate history --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(historyFormat); err != nil {
				return err
			}
			sinceTime, untilTime, err := parseDateRange(historySince, historyUntil)
			if err != nil {
				return err
			}

			store := historyStore()
			var entries []storage.HistoryEntry
			if historyCluster != "" {
				entries, err = store.GetHistory(historyCluster, historyLimit)
			} else {
				entries, err = store.GetAllHistory(historyLimit)
			}
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}

			filtered := filterHistoryEntries(entries, sinceTime, untilTime, historyStatus)

			out := cmd.OutOrStdout()
			done, err := writeStructured(out, historyFormat, map[string]interface{}{
				"count":   len(filtered),
				"entries": filtered,
			})
			if done || err != nil {
				return err
			}
			return renderHistory(out, filtered)
		},
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries to show")
	cmd.Flags().StringVar(&historyCluster, "cluster", "", "Only show entries for this cluster ID")
	cmd.Flags().StringVar(&historySince, "since", "", "Show entries since date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&historyUntil, "until", "", "Show entries until date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status: success, warnings, failed, aborted, rolled_back")
	cmd.Flags().StringVar(&historyFormat, "format", formatTable, "Output format: table, json, yaml")

	return cmd
}

func parseDateRange(since, until string) (*time.Time, *time.Time, error) {
	var sinceTime, untilTime *time.Time
	if since != "" {
		t, err := time.Parse("2006-01-02", since)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid since date format (use YYYY-MM-DD): %w", err)
		}
		sinceTime = &t
	}
	if until != "" {
		t, err := time.Parse("2006-01-02", until)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid until date format (use YYYY-MM-DD): %w", err)
		}
		// Set to end of day
		endOfDay := t.Add(24*time.Hour - time.Second)
		untilTime = &endOfDay
	}
	return sinceTime, untilTime, nil
}

// statusAliases maps --status values to recorded statuses.
var statusAliases = map[string]string{
	"success":  "success",
	"warnings": "completedwithwarnings",
	"failed":   "failed",
	"aborted":  "aborted",
}

func filterHistoryEntries(entries []storage.HistoryEntry, since, until *time.Time, status string) []storage.HistoryEntry {
	want := strings.ToLower(status)
	if alias, ok := statusAliases[want]; ok {
		want = alias
	}

	filtered := make([]storage.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		if since != nil && entry.Timestamp.Before(*since) {
			continue
		}
		if until != nil && entry.Timestamp.After(*until) {
			continue
		}
		if want != "" && strings.ToLower(entry.Status) != want {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}
