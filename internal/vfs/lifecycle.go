package vfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"mo2vfs/internal/deploy"
	"mo2vfs/internal/logging"
)

var lifecycleLogger = logging.GetLogger().WithPrefix("lifecycle")

// MountConfig is everything a MountLifecycle needs to stand up a session
// (spec §3, §4.7).
type MountConfig struct {
	MountPoint   string
	BaseDir      string
	OverwriteDir string
	StagingDir   string
	Mods         []Mod
	Extras       []ExtraFile
	Externals    []deploy.Mapping
}

// MountLifecycle owns the session end to end: stale-mount recovery,
// session creation, the worker-pool event loop, live rebuild/flush, and
// unmount (spec §4.7).
type MountLifecycle struct {
	cfg       MountConfig
	sessionID string

	scanner   *BaseScanner
	overwrite *OverwriteManager
	inodes    *InodeTable
	treeRef   *TreeRef
	fsImpl    *Filesystem
	externals *deploy.ExternalDeployer

	conn      *fuse.Conn
	backingFD int

	group    *errgroup.Group
	groupCtx context.Context

	mu sync.Mutex
}

// NewMountLifecycle builds a MountLifecycle for cfg, ready to Mount.
func NewMountLifecycle(cfg MountConfig) *MountLifecycle {
	return &MountLifecycle{
		cfg:       cfg,
		sessionID: uuid.New().String(),
		scanner:   NewBaseScanner(),
		overwrite: NewOverwriteManager(cfg.StagingDir, cfg.OverwriteDir),
		externals: deploy.NewExternalDeployer(),
	}
}

// SessionID identifies this lifecycle instance in logs, stable for the
// life of the process regardless of how many times it rebuilds or flushes.
func (m *MountLifecycle) SessionID() string { return m.sessionID }

// Mount runs the full pre-mount-through-serving sequence: stale-mount
// recovery, base scan, pre-mount backing handle, staging reset, initial
// tree build, session creation, and the worker-pool event loop started on
// a background goroutine (spec §4.7 steps 1-3).
func (m *MountLifecycle) Mount(ctx context.Context) error {
	if err := recoverStaleMount(m.cfg.MountPoint); err != nil {
		return NewLifecycleError(KindStaleMount, err)
	}

	catalog, err := m.scanner.Scan(m.cfg.BaseDir)
	if err != nil {
		return NewLifecycleError(KindMountFailed, fmt.Errorf("scanning base directory: %w", err))
	}

	backingFD, err := unix.Open(m.cfg.BaseDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return NewLifecycleError(KindMountFailed, fmt.Errorf("opening backing handle on %q: %w", m.cfg.BaseDir, err))
	}
	m.backingFD = backingFD

	if err := m.overwrite.Reset(); err != nil {
		unix.Close(backingFD)
		return NewLifecycleError(KindMountFailed, fmt.Errorf("resetting staging directory: %w", err))
	}

	tree := Build(catalog, m.cfg.Mods, m.cfg.OverwriteDir, m.cfg.Extras)
	m.treeRef = NewTreeRef(tree)
	m.inodes = NewInodeTable()
	m.fsImpl = NewFilesystem(m.treeRef, m.inodes, m.overwrite, m.scanner, backingFD)

	mountOpts := []fuse.MountOption{
		fuse.FSName("mo2linux"),
		fuse.Subtype("mo2linux"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}
	// The fixed option set also calls for noatime (spec §4.7 step 3). This
	// binding exposes no literal noatime MountOption; the same effect is
	// achieved at the handler level by never updating Atime on read
	// (fillFileAttr always reports ModTime for Atime).

	lifecycleLogger.Info("mounting %q (base %q) [session %s]", m.cfg.MountPoint, m.cfg.BaseDir, m.sessionID)
	conn, err := fuse.Mount(m.cfg.MountPoint, mountOpts...)
	if err != nil {
		unix.Close(backingFD)
		return NewLifecycleError(KindMountFailed, err)
	}
	m.conn = conn

	group, groupCtx := errgroup.WithContext(ctx)
	m.group = group
	m.groupCtx = groupCtx
	group.Go(func() error {
		lifecycleLogger.Debug("worker pool event loop starting")
		err := fusefs.Serve(conn, m.fsImpl)
		lifecycleLogger.Debug("worker pool event loop exited: %v", err)
		return err
	})

	<-conn.Ready
	if err := conn.MountError; err != nil {
		m.teardownPartial()
		return NewLifecycleError(KindSessionCreate, err)
	}

	SetActiveMountPoint(m.cfg.MountPoint)
	lifecycleLogger.Info("mount established at %q", m.cfg.MountPoint)

	m.deployExternals(m.cfg.Externals)
	return nil
}

// deployExternals realises every external mapping as physical symlinks
// (spec §4.8), logging and skipping over individual failures so one bad
// mapping doesn't abort the mount.
func (m *MountLifecycle) deployExternals(externals []deploy.Mapping) {
	for _, mapping := range externals {
		if err := m.externals.Deploy(mapping); err != nil {
			lifecycleLogger.Error("deploying external mapping %q -> %q: %v", mapping.Source, mapping.Dest, err)
		}
	}
}

func (m *MountLifecycle) teardownPartial() {
	if m.conn != nil {
		m.conn.Close()
	}
	if m.backingFD > 0 {
		unix.Close(m.backingFD)
	}
}

// Rebuild builds a new tree without holding the tree lock and then swaps
// it in under the exclusive tree lock. Handles opened against the previous tree
// keep reading from their own descriptors regardless (spec §4.7 step 4).
// externals is re-deployed in place of whatever the lifecycle deployed
// previously: stale symlinks from mappings dropped off the new set are
// removed before the new set is deployed.
func (m *MountLifecycle) Rebuild(mods []Mod, extras []ExtraFile, externals []deploy.Mapping) error {
	catalog, err := m.scanner.Scan(m.cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("rebuild: scanning base directory: %w", err)
	}

	tree := Build(catalog, mods, m.cfg.OverwriteDir, extras)

	m.mu.Lock()
	m.cfg.Mods = mods
	m.cfg.Extras = extras
	m.cfg.Externals = externals
	m.mu.Unlock()

	m.treeRef.Swap(tree)

	if err := m.externals.RemoveAll(); err != nil {
		lifecycleLogger.Warn("removing previously deployed externals before rebuild: %v", err)
	}
	m.deployExternals(externals)

	lifecycleLogger.Info("rebuilt tree with %d mods, %d extras, %d externals", len(mods), len(extras), len(externals))
	return nil
}

// Flush promotes staging into overwrite, resets staging, and rebuilds the
// tree so subsequent reads see the promoted content (spec §4.7 step 5).
func (m *MountLifecycle) Flush() error {
	if err := m.overwrite.Promote(); err != nil {
		return fmt.Errorf("flush: promoting staging: %w", err)
	}
	if err := m.overwrite.Reset(); err != nil {
		return fmt.Errorf("flush: resetting staging: %w", err)
	}

	m.mu.Lock()
	mods, extras, externals := m.cfg.Mods, m.cfg.Extras, m.cfg.Externals
	m.mu.Unlock()

	if err := m.Rebuild(mods, extras, externals); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	lifecycleLogger.Info("flushed staging into overwrite")
	return nil
}

// Unmount signals the event loop to exit, waits for it to join, performs
// a final flush, and releases every resource the lifecycle acquired
// (spec §4.7 step 6).
func (m *MountLifecycle) Unmount() error {
	lifecycleLogger.Info("unmounting %q", m.cfg.MountPoint)

	if err := fuse.Unmount(m.cfg.MountPoint); err != nil {
		lifecycleLogger.Warn("graceful unmount failed, closing connection directly: %v", err)
	}
	if m.conn != nil {
		m.conn.Close()
	}
	if m.group != nil {
		if err := m.group.Wait(); err != nil {
			lifecycleLogger.Warn("event loop returned error: %v", err)
		}
	}

	if err := m.overwrite.Promote(); err != nil {
		lifecycleLogger.Error("final flush on unmount failed: %v", err)
	}

	if err := m.externals.RemoveAll(); err != nil {
		lifecycleLogger.Error("removing deployed external symlinks on unmount failed: %v", err)
	}

	if m.backingFD > 0 {
		unix.Close(m.backingFD)
	}
	ClearActiveMountPoint()

	lifecycleLogger.Info("unmount complete")
	return nil
}

// recoverStaleMount implements spec §4.7 step 2: detect a dead overlay
// from a previous crashed session via the kernel mount table plus an
// ENOTCONN probe, then escalate graceful -> force -> lazy unmount until
// the target is clear.
func recoverStaleMount(mountPoint string) error {
	listed, err := isMountTableListed(mountPoint)
	if err != nil {
		lifecycleLogger.Warn("could not read mount table: %v", err)
	}

	_, statErr := os.Stat(mountPoint)
	notConnected := statErr != nil && isENOTCONN(statErr)

	if !listed && !notConnected {
		return nil
	}

	lifecycleLogger.Warn("stale mount detected at %q (listed=%v, notconn=%v), clearing", mountPoint, listed, notConnected)

	if err := fuse.Unmount(mountPoint); err == nil {
		return nil
	}
	if err := unix.Unmount(mountPoint, unix.MNT_FORCE); err == nil {
		return nil
	}
	if err := unix.Unmount(mountPoint, unix.MNT_DETACH); err == nil {
		return nil
	}
	return fmt.Errorf("stale mount at %q could not be cleared by any unmount strategy", mountPoint)
}

func isENOTCONN(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ENOTCONN
}

// isMountTableListed reports whether mountPoint appears as a mount target
// in /proc/self/mounts.
func isMountTableListed(mountPoint string) (bool, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true, nil
		}
	}
	return false, scanner.Err()
}
