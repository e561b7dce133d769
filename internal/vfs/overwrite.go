package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/afero"

	"mo2vfs/internal/logging"
)

var overwriteLogger = logging.GetLogger().WithPrefix("overwrite")

// OverwriteManager owns the staging directory and decides when a write
// requires a copy-on-write shadow copy, and promotes staging into the
// persistent overwrite directory on flush (spec §4.5).
//
// File operations run through an afero.Fs so the same logic is exercised
// against a real OS filesystem in production and an in-memory one in tests,
// mirroring the layered-filesystem copy-up pattern used elsewhere in the
// union-filesystem ecosystem this ships alongside.
type OverwriteManager struct {
	fs afero.Fs

	mu           sync.Mutex
	stagingDir   string
	overwriteDir string
}

// NewOverwriteManager creates a manager rooted at stagingDir/overwriteDir,
// backed by the real OS filesystem.
func NewOverwriteManager(stagingDir, overwriteDir string) *OverwriteManager {
	return NewOverwriteManagerFS(afero.NewOsFs(), stagingDir, overwriteDir)
}

// NewOverwriteManagerFS is NewOverwriteManager with an injectable afero.Fs,
// used by tests to exercise the COW/promotion logic against afero.MemMapFs.
func NewOverwriteManagerFS(fs afero.Fs, stagingDir, overwriteDir string) *OverwriteManager {
	return &OverwriteManager{fs: fs, stagingDir: stagingDir, overwriteDir: overwriteDir}
}

// Reset recreates an empty staging directory, used at mount and after each
// live flush (spec §4.7).
func (m *OverwriteManager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.RemoveAll(m.stagingDir); err != nil {
		return fmt.Errorf("clearing staging directory: %w", err)
	}
	if err := m.fs.MkdirAll(m.stagingDir, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	return nil
}

func (m *OverwriteManager) stagingPath(rel RelPath) string {
	return rel.FullPath(m.stagingDir)
}

// StagingPath returns the staging-directory location rel would occupy,
// regardless of whether it has been materialised yet.
func (m *OverwriteManager) StagingPath(rel RelPath) string {
	return m.stagingPath(rel)
}

// HasWritableDir reports whether rel names a directory that already has a
// writable (staging or overwrite) counterpart, used to decide the mode bits
// getattr reports for a directory node.
func (m *OverwriteManager) HasWritableDir(rel RelPath) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, err := m.fs.Stat(m.stagingPath(rel)); err == nil && info.IsDir() {
		return true
	}
	if info, err := m.fs.Stat(m.OverwritePath(rel)); err == nil && info.IsDir() {
		return true
	}
	return false
}

// RemoveWritable deletes rel's staging and overwrite copies, ignoring
// not-exist errors, used when unlinking a file that already lives in the
// overwrite layer.
func (m *OverwriteManager) RemoveWritable(rel RelPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.Remove(m.stagingPath(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staging copy of %q: %w", rel.String(), err)
	}
	if err := m.fs.Remove(m.OverwritePath(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing overwrite copy of %q: %w", rel.String(), err)
	}
	return nil
}

// OverwritePath returns the persisted location a promoted file at rel will
// occupy.
func (m *OverwriteManager) OverwritePath(rel RelPath) string {
	return rel.FullPath(m.overwriteDir)
}

// ResolveWrite returns the writable staging path for a write-intent open
// against rel. If a staging copy already exists it is reused; otherwise a
// fresh one is synthesised, lazily copying readSource's content in on
// first write if a readable source exists (spec §4.5).
func (m *OverwriteManager) ResolveWrite(rel RelPath, readSource string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest := m.stagingPath(rel)
	if _, err := m.fs.Stat(dest); err == nil {
		return dest, nil
	}

	if err := m.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating staging parent for %q: %w", rel.String(), err)
	}

	if readSource == "" {
		f, err := m.fs.Create(dest)
		if err != nil {
			return "", fmt.Errorf("creating staging file %q: %w", dest, err)
		}
		f.Close()
		return dest, nil
	}

	if err := m.copyIntoStaging(readSource, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ResolveNew allocates an empty staging file for `create`, never copying
// any prior content (spec §4.5).
func (m *OverwriteManager) ResolveNew(rel RelPath) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest := m.stagingPath(rel)
	if err := m.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating staging parent for %q: %w", rel.String(), err)
	}
	f, err := m.fs.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating staging file %q: %w", dest, err)
	}
	defer f.Close()
	return dest, nil
}

// MkdirStaging creates a directory in staging for `mkdir`.
func (m *OverwriteManager) MkdirStaging(rel RelPath) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest := m.stagingPath(rel)
	if err := m.fs.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("creating staging directory %q: %w", dest, err)
	}
	return dest, nil
}

// copyIntoStaging materialises the real physical source into a fresh
// staging file, the copy-on-write step of ResolveWrite.
func (m *OverwriteManager) copyIntoStaging(source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat source %q: %w", source, err)
	}

	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening source %q: %w", source, err)
	}
	defer src.Close()

	out, err := m.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("creating staging copy %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copying %q into staging: %w", source, err)
	}
	return nil
}

// WriteWhiteout writes the zero-byte whiteout sentinel for rel into the
// overwrite directory, persisting the deletion across sessions (spec §9
// Open Question resolution, DESIGN.md).
func (m *OverwriteManager) WriteWhiteout(rel RelPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest := whiteoutSentinelPath(m.overwriteDir, rel)
	if err := m.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating overwrite parent for whiteout %q: %w", rel.String(), err)
	}
	f, err := m.fs.Create(dest)
	if err != nil {
		return fmt.Errorf("writing whiteout sentinel %q: %w", dest, err)
	}
	return f.Close()
}

// Promote moves every file from staging into the overwrite directory,
// preserving relative paths, then removes the staging directory. It is
// idempotent: promoting an empty or absent staging directory is a no-op
// (spec §4.5, §8 property 4).
func (m *OverwriteManager) Promote() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.fs.Stat(m.stagingDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat staging directory: %w", err)
	}

	err := afero.Walk(m.fs, m.stagingDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == m.stagingDir {
			return nil
		}

		rel, err := filepath.Rel(m.stagingDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(m.overwriteDir, rel)

		if info.IsDir() {
			return m.fs.MkdirAll(dest, 0755)
		}

		if err := m.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		return m.promoteFile(path, dest, info)
	})
	if err != nil {
		return fmt.Errorf("promoting staging to overwrite: %w", err)
	}

	if err := m.fs.RemoveAll(m.stagingDir); err != nil {
		return fmt.Errorf("removing staging directory after promotion: %w", err)
	}
	return nil
}

// promoteFile moves one staged file into the overwrite directory,
// preferring an atomic rename and falling back to copy+delete when the
// move crosses a device boundary (spec §4.5).
func (m *OverwriteManager) promoteFile(src, dest string, info os.FileInfo) error {
	if err := m.fs.Rename(src, dest); err == nil {
		return nil
	} else if !errors.Is(err, syscall.EXDEV) {
		overwriteLogger.Debug("rename %q -> %q failed (%v), falling back to copy", src, dest, err)
	}

	in, err := m.fs.Open(src)
	if err != nil {
		return fmt.Errorf("opening staged file %q: %w", src, err)
	}
	defer in.Close()

	out, err := m.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("creating overwrite file %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %q to overwrite: %w", src, err)
	}
	return m.fs.Remove(src)
}
