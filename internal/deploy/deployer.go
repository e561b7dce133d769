// Package deploy implements the external-deployment half of mapping
// application: mappings whose destination lies outside the mount are
// realised as physical symlinks rather than tree entries (spec §4.8),
// plus the nxm:// handoff surface named alongside it in §6.
package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mo2vfs/internal/logging"
)

var deployLogger = logging.GetLogger().WithPrefix("deploy")

// Mapping is one entry of the incoming mapping set, before classification.
type Mapping struct {
	Source string
	Dest   string
	IsDir  bool
}

// Classification is the bucket a Mapping falls into once its destination
// is compared against the mount point (spec §4.8).
type Classification int

const (
	// ClassModDirectory: destination inside the mount, directory-level.
	// Consumed by the mod list, not by the deployer.
	ClassModDirectory Classification = iota
	// ClassExtraFile: destination inside the mount, file-level. Injected
	// into the tree as an ExtraFile.
	ClassExtraFile
	// ClassExternalSymlink: destination outside the mount. Deployed as a
	// real physical symlink.
	ClassExternalSymlink
)

// Classify buckets mapping by comparing its destination against
// mountPoint.
func Classify(mapping Mapping, mountPoint string) Classification {
	if isWithin(mountPoint, mapping.Dest) {
		if mapping.IsDir {
			return ClassModDirectory
		}
		return ClassExtraFile
	}
	return ClassExternalSymlink
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ExternalDeployer deploys ClassExternalSymlink mappings as physical
// symlinks and tracks every one it creates so they can be torn down again
// on unmount (spec §4.8, §4.7 step 6).
type ExternalDeployer struct {
	mu      sync.Mutex
	created []string
}

// NewExternalDeployer returns an ExternalDeployer with no symlinks
// tracked yet.
func NewExternalDeployer() *ExternalDeployer {
	return &ExternalDeployer{}
}

// Deploy realises mapping as one or more symlinks under mapping.Dest. For
// a directory mapping it walks mapping.Source, mirroring the directory
// structure at the destination and symlinking every file/symlink leaf
// individually.
func (d *ExternalDeployer) Deploy(mapping Mapping) error {
	if !mapping.IsDir {
		return d.deployFile(mapping.Source, mapping.Dest)
	}

	return filepath.Walk(mapping.Source, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			deployLogger.Warn("skipping unreadable path %q: %v", path, walkErr)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == mapping.Source {
			return nil
		}

		rel, err := filepath.Rel(mapping.Source, path)
		if err != nil {
			return nil
		}
		target := filepath.Join(mapping.Dest, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return d.deployFile(path, target)
	})
}

// deployFile symlinks dest -> source, refusing to clobber a pre-existing
// file that isn't a symlink (protects real game files). Any symlink already
// at dest is replaced.
func (d *ExternalDeployer) deployFile(source, dest string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info, err := os.Lstat(dest); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("refusing to overwrite non-symlink %q", dest)
		}
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("removing stale symlink %q: %w", dest, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating parent of %q: %w", dest, err)
	}
	if err := os.Symlink(source, dest); err != nil {
		return fmt.Errorf("symlinking %q -> %q: %w", dest, source, err)
	}

	d.created = append(d.created, dest)
	deployLogger.Debug("deployed symlink %q -> %q", dest, source)
	return nil
}

// RemoveAll removes every symlink Deploy created, in creation order,
// continuing past individual failures and returning the first one seen.
func (d *ExternalDeployer) RemoveAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, path := range d.created {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			deployLogger.Error("removing deployed symlink %q: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	deployLogger.Info("removed %d deployed symlinks", len(d.created))
	d.created = nil
	return firstErr
}
