package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func countBackups(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

func TestAuditLogAppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	entries := []RestoredEntry{
		{BackupPath: "/a/config.ini.mo2linux_backup", RestoredTo: "/a/config.ini"},
		{BackupPath: "/a/.mo2linux_backup_Saves", RestoredTo: "/a/Saves", IsDir: true},
	}
	if err := log.Append(time.Unix(1000, 0), entries); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := log.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].RestoredTo != "/a/Saves" || !records[1].IsDir {
		t.Errorf("unexpected second record: %+v", records[1])
	}
}

func TestAuditLogAppendEmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	if err := log.Append(time.Unix(1000, 0), nil); err != nil {
		t.Fatalf("Append with no entries should be a no-op, got: %v", err)
	}

	records, err := log.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records written, got %d", len(records))
	}
}

func TestAuditLogAccumulatesAcrossAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	if err := log.Append(time.Unix(1, 0), []RestoredEntry{{BackupPath: "a", RestoredTo: "a"}}); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := log.Append(time.Unix(2, 0), []RestoredEntry{{BackupPath: "b", RestoredTo: "b"}}); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	records, err := log.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 accumulated records, got %d", len(records))
	}
}

func TestAuditLogBackupRotationKeepsMostRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	log.backupCount = 2

	for i := 0; i < 5; i++ {
		entry := []RestoredEntry{{BackupPath: "a", RestoredTo: "a"}}
		if err := log.Append(time.Unix(int64(i), 0), entry); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	backups, err := countBackups(log.backupDir)
	if err != nil {
		t.Fatalf("counting backups: %v", err)
	}
	if backups > log.backupCount {
		t.Errorf("expected at most %d rotated backups, found %d", log.backupCount, backups)
	}
}
