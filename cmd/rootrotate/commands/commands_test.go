package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/systmms/rootrotate/internal/rotation/storage"
	"github.com/systmms/rootrotate/pkg/rotation"
)

func testConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rootrotate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return &config.Config{Path: path, Logger: logging.Discard()}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeRootSecretBackup(t *testing.T, dir string) string {
	t.Helper()
	payload, err := json.Marshal(storage.RootSecretSnapshot{
		Namespace: "kube-system",
		Name:      "aws-creds",
		Data: map[string][]byte{
			rotation.SecretKeyAccessKeyID:     []byte("AKIAPREVIOUS"),
			rotation.SecretKeySecretAccessKey: []byte("super-secret-value"),
		},
		Annotations: map[string]string{rotation.AnnotationRotatedBy: "arn:aws:iam::123456789012:user/admin"},
	})
	require.NoError(t, err)
	id, err := storage.NewFileStorage(dir).Write(context.Background(), storage.KindRootSecret, "run-1", payload)
	require.NoError(t, err)
	return id
}

func TestBackupCommand_ListAndShow(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	id := writeRootSecretBackup(t, dir)
	cfg := testConfig(t, fmt.Sprintf("version: 1\nbackup:\n  dir: %s\n", dir))

	out, err := execute(t, NewBackupCommand(cfg), "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "rootsecret")

	out, err = execute(t, NewBackupCommand(cfg), "list", "--kind", "accesskeymeta")
	require.NoError(t, err)
	assert.Contains(t, out, "No backups found")

	out, err = execute(t, NewBackupCommand(cfg), "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "kube-system/aws-creds")
	assert.Contains(t, out, "AKIAPREVIOUS")
	assert.Contains(t, out, "run-1")
	assert.NotContains(t, out, "super-secret-value")
}

func TestBackupCommand_ListJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	id := writeRootSecretBackup(t, dir)
	cfg := testConfig(t, fmt.Sprintf("version: 1\nbackup:\n  dir: %s\n", dir))

	out, err := execute(t, NewBackupCommand(cfg), "list", "--format", "json")
	require.NoError(t, err)
	var rows []backupRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, storage.KindRootSecret, rows[0].Kind)
}

func TestBackupCommand_Errors(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, fmt.Sprintf("version: 1\nbackup:\n  dir: %s\n", t.TempDir()))

	_, err := execute(t, NewBackupCommand(cfg), "list", "--kind", "everything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown backup kind")

	_, err = execute(t, NewBackupCommand(cfg), "show", "20260102T030405.000000000Z-rootsecret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot read backup")
}

func TestBackupRows(t *testing.T) {
	t.Parallel()
	older := storage.NewBackupID(now.Add(-time.Hour), storage.KindAccessKeyMeta)
	newer := storage.NewBackupID(now, storage.KindRootSecret)

	rows := backupRows([]string{older, "not-a-backup", newer})
	require.Len(t, rows, 2)
	assert.Equal(t, newer, rows[0].ID)
	assert.Equal(t, storage.KindAccessKeyMeta, rows[1].Kind)
}

// History commands read ROOTROTATE_DATA_DIR, so these tests are not parallel.
func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOTROTATE_DATA_DIR", dir)
	store := storage.NewFileStorage(dir)
	require.NoError(t, store.SaveHistory(&storage.HistoryEntry{
		ID: "a", Timestamp: now.Add(-48 * time.Hour), ClusterID: "prod", Action: "rotate", Status: "Success", NewKeyID: "AKIAONE",
	}))
	require.NoError(t, store.SaveHistory(&storage.HistoryEntry{
		ID: "b", Timestamp: now, ClusterID: "prod", Action: "rotate", Status: "Failed", Error: "ConfirmNewKey failed",
	}))
	require.NoError(t, store.SaveHistory(&storage.HistoryEntry{
		ID: "c", Timestamp: now.Add(-time.Hour), ClusterID: "staging", Action: "dry-run", Status: "Success",
	}))
	cfg := &config.Config{Logger: logging.Discard()}

	out, err := execute(t, NewHistoryCommand(cfg))
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 3 entries")

	out, err = execute(t, NewHistoryCommand(cfg), "--cluster", "prod", "--status", "failed", "--format", "json")
	require.NoError(t, err)
	var result struct {
		Count   int                    `json:"count"`
		Entries []storage.HistoryEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, "b", result.Entries[0].ID)

	_, err = execute(t, NewHistoryCommand(cfg), "--since", "yesterday")
	require.Error(t, err)
}

func TestFilterHistoryEntries(t *testing.T) {
	t.Parallel()
	entries := []storage.HistoryEntry{
		{ID: "old", Timestamp: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), Status: "Success"},
		{ID: "warn", Timestamp: time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC), Status: "CompletedWithWarnings"},
		{ID: "late", Timestamp: time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC), Status: "Success"},
	}

	since, until, err := parseDateRange("2026-02-01", "2026-02-28")
	require.NoError(t, err)
	got := filterHistoryEntries(entries, since, until, "")
	assert.Equal(t, []string{"warn", "late"}, historyIDs(got))

	got = filterHistoryEntries(entries, nil, nil, "warnings")
	assert.Equal(t, []string{"warn"}, historyIDs(got))

	got = filterHistoryEntries(entries, nil, nil, "SUCCESS")
	assert.Equal(t, []string{"old", "late"}, historyIDs(got))
}

func historyIDs(entries []storage.HistoryEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestRotateCommand_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Path: "/nonexistent/rootrotate.yaml", Logger: logging.Discard()}

	_, err := execute(t, NewRotateCommand(cfg), "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown output format")
}

func TestRollbackCommand_RequiresReason(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Path: "/nonexistent/rootrotate.yaml", Logger: logging.Discard()}

	_, err := execute(t, NewRollbackCommand(cfg), "20260102T030405.000000000Z-rootsecret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")
}

func TestCompletionCommand(t *testing.T) {
	t.Parallel()
	root := &cobra.Command{Use: "rootrotate"}
	root.AddCommand(NewCompletionCommand(&config.Config{}))

	out, err := execute(t, root, "completion", "bash")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "rootrotate"))
}

func TestConfirm(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	assert.True(t, confirm(strings.NewReader("yes\n"), &out, "Proceed? "))
	assert.True(t, confirm(strings.NewReader("Y\n"), &out, "Proceed? "))
	assert.False(t, confirm(strings.NewReader("\n"), &out, "Proceed? "))
	assert.False(t, confirm(strings.NewReader(""), &out, "Proceed? "))
	assert.Contains(t, out.String(), "Proceed? ")
}

func TestExitError(t *testing.T) {
	t.Parallel()
	silent := &ExitError{Code: 2}
	assert.Equal(t, "exit status 2", silent.Error())

	cause := errors.New("boom")
	wrapped := fmt.Errorf("rotate: %w", &ExitError{Code: 1, Err: cause})
	var exitErr *ExitError
	require.True(t, errors.As(wrapped, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.ErrorIs(t, wrapped, cause)
}
