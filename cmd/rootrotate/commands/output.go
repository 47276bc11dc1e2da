package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/rotation/health"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/pkg/rotation"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return rrerrors.UserError{
			Message:    fmt.Sprintf("Unknown output format %q", format),
			Suggestion: "Use --format table, json or yaml",
		}
	}
}

// writeStructured writes v as JSON or YAML. It reports false for the table
// format so the caller renders its own table.
func writeStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(v)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return true, err
		}
		return true, encoder.Close()
	default:
		return false, nil
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

func formatFinalStatus(status rotation.FinalStatus) string {
	switch status {
	case rotation.StatusSuccess:
		return "✅ Success"
	case rotation.StatusCompletedWithWarnings:
		return "🟡 Completed with warnings"
	case rotation.StatusFailed:
		return "❌ Failed"
	case rotation.StatusAborted:
		return "⛔ Aborted"
	default:
		return string(status)
	}
}

func formatOutcome(outcome string) string {
	switch outcome {
	case string(rotation.OutcomeSucceeded), string(rotation.ComponentRefreshed), "success", "Success":
		return "✅ " + outcome
	case string(rotation.OutcomeFailed), "Failed", "Aborted":
		return "❌ " + outcome
	case string(rotation.OutcomeDegraded), "CompletedWithWarnings":
		return "🟡 " + outcome
	case string(rotation.OutcomeSkipped):
		return "⚪ " + outcome
	case string(rotation.OutcomePlanned):
		return "📝 " + outcome
	case "rolled_back":
		return "↩️ " + outcome
	default:
		return outcome
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}

	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}

// formatAge renders t relative to now, e.g. "3 weeks ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderReport(w io.Writer, r *rotation.Report) error {
	fmt.Fprintln(w, "Rotation Report")
	fmt.Fprintln(w, "===============")

	t := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(t, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(t, "Cluster:\t%s\n", orDash(r.ClusterID))
	fmt.Fprintf(t, "Principal:\t%s\n", orDash(r.Principal))
	fmt.Fprintf(t, "Rotated by:\t%s\n", orDash(r.RotatedBy))
	if r.PreviousKeyID != "" || r.NewKeyID != "" {
		fmt.Fprintf(t, "Key:\t%s → %s\n", orDash(r.PreviousKeyID), orDash(r.NewKeyID))
	}
	fmt.Fprintf(t, "Duration:\t%s\n", formatDuration(r.Duration()))
	if r.DryRun {
		fmt.Fprintf(t, "Mode:\tdry run\n")
	}
	if err := t.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	t = newTable(w)
	fmt.Fprintln(t, "STEP\tOUTCOME\tDURATION\tDETAIL")
	fmt.Fprintln(t, "----\t-------\t--------\t------")
	for _, s := range r.Steps {
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\n", s.Name, formatOutcome(string(s.Outcome)), formatDuration(s.Duration), orDash(s.Detail))
	}
	if err := t.Flush(); err != nil {
		return err
	}

	if len(r.Components) > 0 {
		fmt.Fprintln(w)
		if err := renderComponents(w, r.Components); err != nil {
			return err
		}
	}

	if r.Health != nil && len(r.Health.Unhealthy) > 0 {
		fmt.Fprintf(w, "\nUnhealthy operators: %s\n", health.Summary(r.Health.Unhealthy))
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "⚠️  %s\n", warning)
	}
	if len(r.Backups) > 0 {
		fmt.Fprintf(w, "\nBackups: %s\n", strings.Join(r.Backups, ", "))
	}

	fmt.Fprintf(w, "\n%s\n", formatFinalStatus(r.FinalStatus))
	if r.Error != "" {
		fmt.Fprintf(w, "  %s failed: %s\n", r.FailedStep, r.Error)
	}
	return nil
}

func renderComponents(w io.Writer, components []rotation.ComponentResult) error {
	t := newTable(w)
	fmt.Fprintln(t, "COMPONENT\tSECRET\tOUTCOME\tDETAIL")
	fmt.Fprintln(t, "---------\t------\t-------\t------")
	for _, c := range components {
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\n", c.Component, c.Secret, formatOutcome(string(c.Outcome)), orDash(c.Detail))
	}
	return t.Flush()
}

func renderPreflight(w io.Writer, res rotation.PreflightResult) error {
	t := newTable(w)
	fmt.Fprintln(t, "CHECK\tRESULT\tDETAIL")
	fmt.Fprintln(t, "-----\t------\t------")
	for _, c := range res.Checks {
		result := "✅ pass"
		if !c.Passed {
			result = "❌ fail"
		}
		fmt.Fprintf(t, "%s\t%s\t%s\n", c.Name, result, orDash(c.Reason))
	}
	if err := t.Flush(); err != nil {
		return err
	}
	if res.OK() {
		fmt.Fprintln(w, "\nAll preflight checks passed")
	} else {
		fmt.Fprintf(w, "\n%d preflight check(s) failed\n", len(res.Reasons()))
	}
	return nil
}

// keyRow is one access key as shown by the keys command.
type keyRow struct {
	ID         string    `json:"id" yaml:"id"`
	Status     string    `json:"status" yaml:"status"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	Referenced bool      `json:"referenced" yaml:"referenced"`
	Expired    bool      `json:"expired" yaml:"expired"`
}

func keyRows(keys []rotation.AccessKey, referenced string, maxAge time.Duration, now time.Time) []keyRow {
	rows := make([]keyRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, keyRow{
			ID:         k.ID,
			Status:     string(k.Status),
			CreatedAt:  k.CreatedAt,
			Referenced: k.ID == referenced,
			Expired:    maxAge > 0 && k.Age(now) > maxAge,
		})
	}
	return rows
}

func renderKeys(w io.Writer, principal string, rows []keyRow, now time.Time) error {
	if len(rows) == 0 {
		fmt.Fprintf(w, "No access keys on %s\n", principal)
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "KEY\tSTATUS\tCREATED\tIN USE")
	fmt.Fprintln(t, "---\t------\t-------\t------")
	for _, r := range rows {
		inUse := "-"
		if r.Referenced {
			inUse = "* root secret"
		}
		created := formatAge(r.CreatedAt, now)
		if r.Expired {
			created += " (expired)"
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\n", r.ID, r.Status, created, inUse)
	}
	if err := t.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d of %d keys on %s\n", len(rows), rotation.MaxAccessKeys, principal)
	return nil
}

func renderHealth(w io.Writer, res health.HealthResult) error {
	t := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(t, "Status:\t%s\n", res.Status)
	fmt.Fprintf(t, "Minting operator:\t%s\n", healthyWord(res.MintingOperatorHealthy))
	if res.Polls > 1 {
		fmt.Fprintf(t, "Polls:\t%d over %s\n", res.Polls, formatDuration(res.Elapsed))
	}
	if err := t.Flush(); err != nil {
		return err
	}
	if len(res.Unhealthy) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	t = newTable(w)
	fmt.Fprintln(t, "OPERATOR\tAVAILABLE\tDEGRADED\tPROGRESSING\tREASON")
	fmt.Fprintln(t, "--------\t---------\t--------\t-----------\t------")
	for _, s := range res.Unhealthy {
		fmt.Fprintf(t, "%s\t%t\t%t\t%t\t%s\n", s.Name, s.Available, s.Degraded, s.Progressing, orDash(truncate(s.Reason, 50)))
	}
	return t.Flush()
}

func healthyWord(ok bool) string {
	if ok {
		return "✅ healthy"
	}
	return "❌ unhealthy"
}

// backupRow is one backup as shown by backup list.
type backupRow struct {
	ID        string       `json:"id" yaml:"id"`
	Kind      storage.Kind `json:"kind" yaml:"kind"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
}

func renderBackups(w io.Writer, rows []backupRow, now time.Time) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No backups found")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "ID\tKIND\tTAKEN")
	fmt.Fprintln(t, "--\t----\t-----")
	for _, r := range rows {
		fmt.Fprintf(t, "%s\t%s\t%s\n", r.ID, r.Kind, formatAge(r.Timestamp, now))
	}
	return t.Flush()
}

func renderHistory(w io.Writer, entries []storage.HistoryEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No rotation history found matching criteria")
		return nil
	}

	t := newTable(w)
	fmt.Fprintln(t, "TIMESTAMP\tCLUSTER\tACTION\tSTATUS\tDURATION\tKEY\tERROR")
	fmt.Fprintln(t, "---------\t-------\t------\t------\t--------\t---\t-----")
	for _, e := range entries {
		errorMsg := "-"
		if e.Error != "" {
			errorMsg = truncate(e.Error, 50)
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			orDash(e.ClusterID),
			e.Action,
			formatOutcome(e.Status),
			formatDuration(e.Duration),
			orDash(e.NewKeyID),
			errorMsg,
		)
	}
	if err := t.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nShowing %d entries\n", len(entries))
	return nil
}
