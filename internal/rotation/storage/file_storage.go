package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStorage implements BackupStore and HistoryStore on the local
// filesystem. Directories are 0700 and files 0600 because root secret
// backups contain a live secret access key.
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
	now     func() time.Time
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string) *FileStorage {
	return &FileStorage{
		baseDir: baseDir,
		now:     time.Now,
	}
}

// BaseDir returns the storage root.
func (fs *FileStorage) BaseDir() string {
	return fs.baseDir
}

// DefaultStorageDir returns the default storage directory
func DefaultStorageDir() string {
	if dir := os.Getenv("ROOTROTATE_DATA_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "rootrotate")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "rootrotate")
	}

	return filepath.Join(os.TempDir(), "rootrotate")
}

func (fs *FileStorage) backupDir() string {
	return filepath.Join(fs.baseDir, "backups")
}

// Write stores a backup. The file is created with O_EXCL so an existing
// backup can never be replaced; on an ID clash a numeric suffix is added.
func (fs *FileStorage) Write(ctx context.Context, kind Kind, runID string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", fmt.Errorf("unknown backup kind %q", kind)
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("backup payload is not valid JSON")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.backupDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	ts := fs.now().UTC()
	baseID := NewBackupID(ts, kind)
	id := baseID
	for attempt := 1; ; attempt++ {
		backup := Backup{
			ID:        id,
			Timestamp: ts,
			Kind:      kind,
			RunID:     runID,
			Payload:   json.RawMessage(payload),
		}
		data, err := json.MarshalIndent(backup, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal backup: %w", err)
		}

		err = writeExclusive(filepath.Join(dir, id+".json"), data)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, os.ErrExist) || attempt > 100 {
			return "", fmt.Errorf("failed to write backup %s: %w", id, err)
		}
		id = fmt.Sprintf("%s.%d", baseID, attempt)
	}
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// List returns backup IDs of the given kind, newest first.
func (fs *FileStorage) List(ctx context.Context, kind Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	files, err := os.ReadDir(fs.backupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(file.Name(), ".json")
		_, k, err := ParseBackupID(id)
		if err != nil {
			continue
		}
		if kind == "" || k == kind {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

// Read loads a single backup.
func (fs *FileStorage) Read(ctx context.Context, id string) (*Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, _, err := ParseBackupID(id); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(fs.backupDir(), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no backup found with id %s", id)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup: %w", err)
	}
	return &backup, nil
}

// SaveHistory saves a rotation history entry
func (fs *FileStorage) SaveHistory(entry *HistoryEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	historyDir := filepath.Join(fs.baseDir, "history", sanitizeFilename(entry.ClusterID))
	if err := os.MkdirAll(historyDir, 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = fs.now()
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("%d-%s", entry.Timestamp.UnixNano(), sanitizeFilename(entry.ClusterID))
	}

	filename := filepath.Join(historyDir, fmt.Sprintf("%s.json", entry.Timestamp.UTC().Format("20060102-150405.000")))
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	return nil
}

// GetHistory retrieves rotation history for a cluster, newest first.
func (fs *FileStorage) GetHistory(clusterID string, limit int) ([]HistoryEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.readHistoryDir(filepath.Join(fs.baseDir, "history", sanitizeFilename(clusterID)), limit)
}

func (fs *FileStorage) readHistoryDir(historyDir string, limit int) ([]HistoryEntry, error) {
	files, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() > files[j].Name()
	})

	var entries []HistoryEntry
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(historyDir, file.Name()))
		if err != nil {
			continue
		}

		var entry HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}

		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	return entries, nil
}

// GetAllHistory retrieves rotation history for all clusters, newest first.
func (fs *FileStorage) GetAllHistory(limit int) ([]HistoryEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	historyDir := filepath.Join(fs.baseDir, "history")
	clusterDirs, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var all []HistoryEntry
	for _, dir := range clusterDirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := fs.readHistoryDir(filepath.Join(historyDir, dir.Name()), -1)
		if err != nil {
			continue
		}
		all = append(all, entries...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	return all, nil
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	if name == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
