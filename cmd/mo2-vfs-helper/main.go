// Command mo2-vfs-helper is the sandboxed mount helper (spec §4.9/§6): it
// mounts the composite filesystem described by its config file, prints
// "mounted" on success, then drives the mount from line commands read on
// stdin ("rebuild", "flush", "quit"), answering each with "ok" or
// "error: <message>" on stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mo2vfs/internal/backup"
	"mo2vfs/internal/deploy"
	"mo2vfs/internal/helper"
	"mo2vfs/internal/logging"
	"mo2vfs/internal/vfs"
)

var logger = logging.GetLogger().WithPrefix("helper-main")

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Println("error: usage: mo2-vfs-helper <config-path>")
		return 1
	}
	configPath := os.Args[1]

	cfg, err := helper.ReadConfig(configPath)
	if err != nil {
		fmt.Printf("error: reading config: %v\n", err)
		return 1
	}

	if restored, err := backup.RestoreSentinels(cfg.OverwriteDir); err != nil {
		logger.Warn("restoring backup sentinels: %v", err)
	} else if len(restored) > 0 {
		logger.Info("restored %d backup sentinels under %q", len(restored), cfg.OverwriteDir)
		if err := recordRestoreAudit(cfg.OverwriteDir, restored); err != nil {
			logger.Warn("recording restore audit log: %v", err)
		}
	}

	lifecycle := buildLifecycle(cfg)
	if err := lifecycle.Mount(context.Background()); err != nil {
		fmt.Printf("error: %v\n", err)
		return 1
	}

	fmt.Println(helper.RespMounted)

	scanner := bufio.NewScanner(os.Stdin)
	quitting := false
	for !quitting && scanner.Scan() {
		line := scanner.Text()
		switch line {
		case helper.CmdRebuild:
			handleRebuild(lifecycle, configPath)
		case helper.CmdFlush:
			handleFlush(lifecycle)
		case helper.CmdQuit:
			fmt.Println(helper.RespOK)
			quitting = true
		default:
			fmt.Printf("error: unknown command %q\n", line)
		}
	}

	if err := lifecycle.Unmount(); err != nil {
		logger.Error("unmount on shutdown: %v", err)
		return 1
	}
	return 0
}

func handleRebuild(lifecycle *vfs.MountLifecycle, configPath string) {
	cfg, err := helper.ReadConfig(configPath)
	if err != nil {
		fmt.Printf("error: re-reading config: %v\n", err)
		return
	}

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

	if err := lifecycle.Rebuild(mods, extras, externals); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(helper.RespOK)
}

func handleFlush(lifecycle *vfs.MountLifecycle) {
	if err := lifecycle.Flush(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(helper.RespOK)
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
