package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"mo2vfs/internal/logging"
)

var catalogLogger = logging.GetLogger().WithPrefix("catalog")

// EntryKind classifies a base catalog entry.
type EntryKind int

const (
	KindRegular EntryKind = iota
	KindDirectory
	KindSymlink
)

// CatalogEntry is one path discovered under the base game directory.
type CatalogEntry struct {
	Rel  RelPath
	Kind EntryKind
	Size int64
}

// Catalog is the immutable, one-shot scan of the base game directory,
// produced before mount (spec §4.1: the mount occludes the base directory
// at the same path, so scanning must happen first).
type Catalog struct {
	BaseDir string
	Entries []CatalogEntry
}

// BaseScanner produces and caches Catalogs, keyed by base directory, for
// the lifetime of the process. Concurrent scan requests for the same base
// directory (e.g. a rebuild racing a fresh mount) are coalesced.
type BaseScanner struct {
	mu      sync.Mutex
	cache   map[string]*Catalog
	inflight singleflight.Group
}

func NewBaseScanner() *BaseScanner {
	return &BaseScanner{cache: make(map[string]*Catalog)}
}

// Scan returns the cached Catalog for baseDir, scanning it at most once
// per process lifetime unless Invalidate drops the cached entry. A missing base directory is fatal; unreadable
// subdirectories are skipped with a warning and the partial catalog is
// still valid.
func (s *BaseScanner) Scan(baseDir string) (*Catalog, error) {
	clean := filepath.Clean(baseDir)

	s.mu.Lock()
	if cached, ok := s.cache[clean]; ok {
		s.mu.Unlock()
		catalogLogger.Debug("reusing cached catalog for %q (%d entries)", clean, len(cached.Entries))
		return cached, nil
	}
	s.mu.Unlock()

	result, err, _ := s.inflight.Do(clean, func() (interface{}, error) {
		return s.scanUncached(clean)
	})
	if err != nil {
		return nil, err
	}

	cat := result.(*Catalog)
	s.mu.Lock()
	s.cache[clean] = cat
	s.mu.Unlock()
	return cat, nil
}

// Invalidate drops the cached catalog for baseDir, forcing the next Scan to
// re-walk the directory.
func (s *BaseScanner) Invalidate(baseDir string) {
	s.mu.Lock()
	delete(s.cache, filepath.Clean(baseDir))
	s.mu.Unlock()
}

func (s *BaseScanner) scanUncached(baseDir string) (*Catalog, error) {
	if _, err := os.Stat(baseDir); err != nil {
		return nil, fmt.Errorf("base directory %q: %w", baseDir, err)
	}

	catalogLogger.Info("scanning base directory %q", baseDir)
	var entries []CatalogEntry

	err := filepath.Walk(baseDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			catalogLogger.Warn("skipping unreadable path %q: %v", path, walkErr)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == baseDir {
			return nil
		}

		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			catalogLogger.Warn("skipping path %q: %v", path, err)
			return nil
		}

		kind := KindRegular
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			kind = KindSymlink
		case info.IsDir():
			kind = KindDirectory
		}

		entries = append(entries, CatalogEntry{
			Rel:  NewRelPath(rel),
			Kind: kind,
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning base directory %q: %w", baseDir, err)
	}

	catalogLogger.Info("scan of %q found %d entries", baseDir, len(entries))
	return &Catalog{BaseDir: baseDir, Entries: entries}, nil
}
