// Command mo2vfs is the in-process mount driver (spec §1, §6): it reads the
// same key=value configuration format as mo2-vfs-helper, builds the
// composite tree, mounts it, and serves until signaled. It also implements
// the "nxm-handle" CLI command, forwarding a URL to an already-running
// instance's local socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mo2vfs/internal/backup"
	"mo2vfs/internal/deploy"
	"mo2vfs/internal/helper"
	"mo2vfs/internal/logging"
	"mo2vfs/internal/vfs"
)

var logger = logging.GetLogger()

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "nxm-handle" {
		os.Exit(runNxmHandle(os.Args[2:]))
	}
	os.Exit(runMount(os.Args[1:]))
}

func runNxmHandle(args []string) int {
	fs := flag.NewFlagSet("nxm-handle", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mo2vfs nxm-handle <nxm-url>")
		return 1
	}

	if err := deploy.SendNxmLink(fs.Arg(0)); err != nil {
		logger.Error("nxm-handle: %v", err)
		return 1
	}
	return 0
}

func runMount(args []string) int {
	fs := flag.NewFlagSet("mo2vfs", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fs.Parse(args)

	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mo2vfs [-verbose] <config-path>")
		return 1
	}

	cfg, err := helper.ReadConfig(fs.Arg(0))
	if err != nil {
		logger.Error("reading config: %v", err)
		return 1
	}

	if restored, err := backup.RestoreSentinels(cfg.OverwriteDir); err != nil {
		logger.Error("restoring backup sentinels: %v", err)
	} else if len(restored) > 0 {
		logger.Info("restored %d backup sentinels under %q", len(restored), cfg.OverwriteDir)
		if err := recordRestoreAudit(cfg.OverwriteDir, restored); err != nil {
			logger.Warn("recording restore audit log: %v", err)
		}
	}

	lifecycle := buildLifecycle(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("mounting %q", cfg.MountPoint)
	if err := lifecycle.Mount(context.Background()); err != nil {
		logger.Error("mount failed: %v", err)
		return 1
	}
	logger.Info("mounted and ready")

	nxmServer := deploy.NewNxmServer(func(link *deploy.NxmLink) {
		logger.Info("received nxm link: %s", link.String())
	})
	if err := nxmServer.Listen(); err != nil {
		logger.Warn("nxm socket listen failed: %v", err)
		nxmServer = nil
	} else {
		serverCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go nxmServer.Serve(serverCtx)
	}

	<-sigChan
	logger.Info("received shutdown signal")

	if nxmServer != nil {
		nxmServer.Close()
	}
	if err := lifecycle.Unmount(); err != nil {
		logger.Error("unmount error: %v", err)
		return 1
	}

	logger.Info("clean shutdown complete")
	return 0
}

func buildLifecycle(cfg helper.Config) *vfs.MountLifecycle {
	mods := make([]vfs.Mod, len(cfg.Mods))
	for i, m := range cfg.Mods {
		mods[i] = vfs.Mod{Name: m.Name, Path: m.Path}
	}

	extras := make([]vfs.ExtraFile, len(cfg.ExtraFiles))
	for i, e := range cfg.ExtraFiles {
		extras[i] = vfs.ExtraFile{MountRel: vfs.NewRelPath(e.MountRel), Source: e.Source}
	}

	externals := make([]deploy.Mapping, len(cfg.Externals))
	for i, e := range cfg.Externals {
		externals[i] = deploy.Mapping{Source: e.Source, Dest: e.Dest, IsDir: e.IsDir}
	}

	stagingDir := filepath.Join(filepath.Dir(cfg.OverwriteDir), ".mo2vfs-staging")

	return vfs.NewMountLifecycle(vfs.MountConfig{
		MountPoint:   cfg.MountPoint,
		BaseDir:      filepath.Join(cfg.GameDir, cfg.DataDirName),
		OverwriteDir: cfg.OverwriteDir,
		StagingDir:   stagingDir,
		Mods:         mods,
		Extras:       extras,
		Externals:    externals,
	})
}

// recordRestoreAudit logs entries restored by backup.RestoreSentinels to a
// persistent audit log alongside the overwrite directory.
func recordRestoreAudit(overwriteDir string, entries []backup.RestoredEntry) error {
	auditPath := filepath.Join(filepath.Dir(overwriteDir), ".mo2vfs-audit", "restore-log.json")
	audit, err := backup.NewAuditLog(auditPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	return audit.Append(time.Now(), entries)
}
