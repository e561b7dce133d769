// Package backup restores the backup sentinels an external profile-deploy
// collaborator leaves behind under the compatibility prefix, and keeps an
// audit trail of what it restored (spec §6).
package backup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mo2vfs/internal/logging"
)

var restoreLogger = logging.GetLogger().WithPrefix("backup")

const (
	fileSuffix       = ".mo2linux_backup"
	savesSuffixUpper = ".mo2linux_backup_Saves"
	savesSuffixLower = ".mo2linux_backup_saves"
)

// RestoredEntry records one sentinel restoration.
type RestoredEntry struct {
	BackupPath string
	RestoredTo string
	IsDir      bool
}

// RestoreSentinels walks root looking for backup sentinels left by the
// profile-deploy path and restores each one over its live counterpart,
// returning every restoration performed. A missing root is not an error:
// it simply yields no restorations.
func RestoreSentinels(root string) ([]RestoredEntry, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %q: %w", root, err)
	}

	var restored []RestoredEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			restoreLogger.Warn("skipping unreadable path %q: %v", path, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		name := d.Name()
		switch {
		case d.IsDir() && name == savesSuffixUpper:
			entry, err := restoreSavesDir(path, "Saves")
			if err != nil {
				restoreLogger.Error("restoring %q: %v", path, err)
				return filepath.SkipDir
			}
			restored = append(restored, entry)
			return filepath.SkipDir

		case d.IsDir() && name == savesSuffixLower:
			entry, err := restoreSavesDir(path, "saves")
			if err != nil {
				restoreLogger.Error("restoring %q: %v", path, err)
				return filepath.SkipDir
			}
			restored = append(restored, entry)
			return filepath.SkipDir

		case !d.IsDir() && strings.HasSuffix(name, fileSuffix):
			entry, err := restoreFile(path)
			if err != nil {
				restoreLogger.Error("restoring %q: %v", path, err)
				return nil
			}
			restored = append(restored, entry)
		}
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("walking %q for backup sentinels: %w", root, err)
	}

	restoreLogger.Info("restored %d backup sentinels under %q", len(restored), root)
	return restored, nil
}

func restoreFile(backupPath string) (RestoredEntry, error) {
	target := strings.TrimSuffix(backupPath, fileSuffix)
	if err := replaceWithBackup(backupPath, target); err != nil {
		return RestoredEntry{}, err
	}
	return RestoredEntry{BackupPath: backupPath, RestoredTo: target}, nil
}

func restoreSavesDir(backupPath, liveName string) (RestoredEntry, error) {
	target := filepath.Join(filepath.Dir(backupPath), liveName)
	if err := replaceWithBackup(backupPath, target); err != nil {
		return RestoredEntry{}, err
	}
	return RestoredEntry{BackupPath: backupPath, RestoredTo: target, IsDir: true}, nil
}

// replaceWithBackup clears whatever currently lives at target and moves
// the sentinel into its place.
func replaceWithBackup(backupPath, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clearing existing %q: %w", target, err)
	}
	if err := os.Rename(backupPath, target); err != nil {
		return fmt.Errorf("restoring %q -> %q: %w", backupPath, target, err)
	}
	return nil
}
