package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mo2vfs/internal/logging"
)

var auditLogger = logging.GetLogger().WithPrefix("backup")

// AuditRecord is one restoration event, as persisted to the audit log.
type AuditRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	BackupPath string    `json:"backup_path"`
	RestoredTo string    `json:"restored_to"`
	IsDir      bool      `json:"is_dir"`
}

// AuditLog is a JSON-on-disk record of every sentinel restoration
// performed, with timestamped-backup rotation of the log itself before
// each overwrite — the same persistence shape the filesystem state
// manager this package replaces used for its own state file.
type AuditLog struct {
	path        string
	backupDir   string
	backupCount int

	mu sync.Mutex
}

// NewAuditLog opens (creating if needed) an audit log at path.
func NewAuditLog(path string) (*AuditLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory %q: %w", dir, err)
	}

	backupDir := filepath.Join(dir, ".mo2vfs-audit-backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit backup directory %q: %w", backupDir, err)
	}

	return &AuditLog{path: path, backupDir: backupDir, backupCount: 5}, nil
}

// Append records entries restored at timestamp, appending to the
// existing log.
func (a *AuditLog) Append(timestamp time.Time, entries []RestoredEntry) error {
	if len(entries) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.load()
	if err != nil {
		return fmt.Errorf("loading audit log %q: %w", a.path, err)
	}

	for _, e := range entries {
		existing = append(existing, AuditRecord{
			Timestamp:  timestamp,
			BackupPath: e.BackupPath,
			RestoredTo: e.RestoredTo,
			IsDir:      e.IsDir,
		})
	}

	if err := a.backupCurrent(); err != nil {
		auditLogger.Warn("failed to back up audit log before rewrite: %v", err)
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling audit log: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0600); err != nil {
		return fmt.Errorf("writing audit log %q: %w", a.path, err)
	}
	return nil
}

func (a *AuditLog) load() ([]AuditRecord, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []AuditRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing audit log: %w", err)
	}
	return records, nil
}

func (a *AuditLog) backupCurrent() error {
	if _, err := os.Stat(a.path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := filepath.Join(a.backupDir, fmt.Sprintf("audit-%s.json", timestamp))
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return fmt.Errorf("writing audit backup: %w", err)
	}
	return a.cleanupOldBackups()
}

func (a *AuditLog) cleanupOldBackups() error {
	entries, err := os.ReadDir(a.backupDir)
	if err != nil {
		return err
	}

	type backupFile struct {
		path    string
		modTime time.Time
	}

	var backups []backupFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{
			path:    filepath.Join(a.backupDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})

	for i := a.backupCount; i < len(backups); i++ {
		if err := os.Remove(backups[i].path); err != nil {
			return fmt.Errorf("removing old audit backup %q: %w", backups[i].path, err)
		}
	}
	return nil
}
