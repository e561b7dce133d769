// Package helper implements the manager side of the sandboxed-helper
// split (spec §4.9): the key=value config file the helper reads at
// startup, the line-oriented control protocol, and the channel that
// drives it.
package helper

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Config is the set of mount parameters written to a file for the helper
// process to read, grounded on the key=value line format the original
// helper's readConfig parses.
type Config struct {
	MountPoint   string
	GameDir      string
	DataDirName  string
	OverwriteDir string
	Mods         []ModEntry
	ExtraFiles   []ExtraFileEntry
	Externals    []ExternalEntry
}

// ModEntry is one ordered mod layer, serialised as "mod=<name>|<path>".
type ModEntry struct {
	Name string
	Path string
}

// ExtraFileEntry is one file injection, serialised as
// "extra_file=<mount-rel>|<source>".
type ExtraFileEntry struct {
	MountRel string
	Source   string
}

// ExternalEntry is one mapping whose destination lies outside the mount,
// deployed as a real symlink rather than injected into the tree, serialised
// as "external=<source>|<dest>|<isdir>".
type ExternalEntry struct {
	Source string
	Dest   string
	IsDir  bool
}

// WriteConfig writes cfg to path in the key=value line format the helper
// expects.
func WriteConfig(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating helper config %q: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "mount_point=%s\n", cfg.MountPoint)
	fmt.Fprintf(w, "game_dir=%s\n", cfg.GameDir)
	fmt.Fprintf(w, "data_dir_name=%s\n", cfg.DataDirName)
	fmt.Fprintf(w, "overwrite_dir=%s\n", cfg.OverwriteDir)
	for _, mod := range cfg.Mods {
		fmt.Fprintf(w, "mod=%s|%s\n", mod.Name, mod.Path)
	}
	for _, extra := range cfg.ExtraFiles {
		fmt.Fprintf(w, "extra_file=%s|%s\n", extra.MountRel, extra.Source)
	}
	for _, ext := range cfg.Externals {
		fmt.Fprintf(w, "external=%s|%s|%t\n", ext.Source, ext.Dest, ext.IsDir)
	}
	return w.Flush()
}

// ReadConfig parses the key=value config file at path. Unrecognised keys
// and malformed "mod"/"extra_file" lines (missing the '|' separator) are
// skipped rather than treated as fatal, matching the original helper's
// tolerant parsing.
func ReadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening helper config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch key {
		case "mount_point":
			cfg.MountPoint = val
		case "game_dir":
			cfg.GameDir = val
		case "data_dir_name":
			cfg.DataDirName = val
		case "overwrite_dir":
			cfg.OverwriteDir = val
		case "mod":
			if name, path, ok := strings.Cut(val, "|"); ok {
				cfg.Mods = append(cfg.Mods, ModEntry{Name: name, Path: path})
			}
		case "extra_file":
			if rel, source, ok := strings.Cut(val, "|"); ok {
				cfg.ExtraFiles = append(cfg.ExtraFiles, ExtraFileEntry{MountRel: rel, Source: source})
			}
		case "external":
			parts := strings.SplitN(val, "|", 3)
			if len(parts) == 3 {
				cfg.Externals = append(cfg.Externals, ExternalEntry{
					Source: parts[0],
					Dest:   parts[1],
					IsDir:  parts[2] == "true",
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("reading helper config %q: %w", path, err)
	}
	return cfg, nil
}
