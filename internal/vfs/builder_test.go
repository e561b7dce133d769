package vfs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %q: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestBuildLayeringPrecedence(t *testing.T) {
	tmp, err := os.MkdirTemp("", "mo2vfs-build-*")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(tmp)

	baseDir := filepath.Join(tmp, "base")
	mod1Dir := filepath.Join(tmp, "mod1")
	mod2Dir := filepath.Join(tmp, "mod2")
	overwriteDir := filepath.Join(tmp, "overwrite")

	writeFile(t, filepath.Join(baseDir, "readme.txt"), "base readme")
	writeFile(t, filepath.Join(baseDir, "data", "a.txt"), "base a")
	writeFile(t, filepath.Join(mod1Dir, "data", "a.txt"), "mod1 a")
	writeFile(t, filepath.Join(mod2Dir, "data", "b.txt"), "mod2 b")
	writeFile(t, filepath.Join(overwriteDir, "data", "a.txt"), "overwrite a")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	mods := []Mod{
		{Name: "mod1", Path: mod1Dir},
		{Name: "mod2", Path: mod2Dir},
	}

	tree := Build(catalog, mods, overwriteDir, nil)

	// data/a.txt: base -> mod1 -> overwrite. Overwrite must win outright.
	node, ok := tree.Resolve(NewMountPath("/data/a.txt"))
	if !ok {
		t.Fatal("expected /data/a.txt to resolve")
	}
	if node.Origin != OriginOverwrite {
		t.Errorf("expected overwrite origin to win, got %v (source %q)", node.Origin, node.Source)
	}

	// data/b.txt: only mod2 provides it.
	node, ok = tree.Resolve(NewMountPath("/data/b.txt"))
	if !ok {
		t.Fatal("expected /data/b.txt to resolve")
	}
	if node.Origin != OriginMod || node.ModIndex != 1 {
		t.Errorf("expected mod2 (index 1) to own data/b.txt, got origin %v index %d", node.Origin, node.ModIndex)
	}

	// readme.txt: only base provides it, untouched by any layer.
	node, ok = tree.Resolve(NewMountPath("/readme.txt"))
	if !ok {
		t.Fatal("expected /readme.txt to resolve")
	}
	if node.Origin != OriginBase {
		t.Errorf("expected base origin, got %v", node.Origin)
	}
	if node.BaseRel.String() != "readme.txt" {
		t.Errorf("expected BaseRel readme.txt, got %q", node.BaseRel.String())
	}
}

func TestBuildWhiteoutHidesLowerLayer(t *testing.T) {
	tmp, err := os.MkdirTemp("", "mo2vfs-whiteout-*")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(tmp)

	baseDir := filepath.Join(tmp, "base")
	overwriteDir := filepath.Join(tmp, "overwrite")

	writeFile(t, filepath.Join(baseDir, "readme.txt"), "base readme")
	writeFile(t, filepath.Join(overwriteDir, "readme.txt"+whiteoutSuffix), "")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	tree := Build(catalog, nil, overwriteDir, nil)

	node, ok := tree.Resolve(NewMountPath("/readme.txt"))
	if !ok {
		t.Fatal("whiteout target should still resolve as a node")
	}
	if node.Kind != NodeWhiteout {
		t.Errorf("expected whiteout node, got kind %v", node.Kind)
	}

	// The sentinel itself must never appear as a directory entry.
	for _, e := range tree.ReadDir(tree.Root()) {
		if e.Name == "readme.txt"+whiteoutSuffix {
			t.Errorf("whiteout sentinel leaked into directory listing: %q", e.Name)
		}
	}
}

func TestBuildExtraFileInjectionWins(t *testing.T) {
	tmp, err := os.MkdirTemp("", "mo2vfs-extra-*")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(tmp)

	baseDir := filepath.Join(tmp, "base")
	overwriteDir := filepath.Join(tmp, "overwrite")
	extraSource := filepath.Join(tmp, "injected.ini")

	writeFile(t, filepath.Join(baseDir, "config.ini"), "base config")
	writeFile(t, filepath.Join(overwriteDir, "config.ini"), "overwrite config")
	writeFile(t, extraSource, "injected config")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	extras := []ExtraFile{{MountRel: NewRelPath("config.ini"), Source: extraSource}}
	tree := Build(catalog, nil, overwriteDir, extras)

	node, ok := tree.Resolve(NewMountPath("/config.ini"))
	if !ok {
		t.Fatal("expected /config.ini to resolve")
	}
	if node.Origin != OriginExtra {
		t.Errorf("expected extra injection to win over overwrite, got origin %v", node.Origin)
	}
	if node.Source != extraSource {
		t.Errorf("expected source %q, got %q", extraSource, node.Source)
	}
}

func TestBuildDirectoryBeatsFileAtSamePath(t *testing.T) {
	tmp, err := os.MkdirTemp("", "mo2vfs-dirwins-*")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(tmp)

	baseDir := filepath.Join(tmp, "base")
	modDir := filepath.Join(tmp, "mod1")

	writeFile(t, filepath.Join(baseDir, "textures"), "a stray file, not a directory")
	writeFile(t, filepath.Join(modDir, "textures", "armor.dds"), "texture data")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	mods := []Mod{{Name: "mod1", Path: modDir}}
	tree := Build(catalog, mods, filepath.Join(tmp, "overwrite"), nil)

	node, ok := tree.Resolve(NewMountPath("/textures"))
	if !ok {
		t.Fatal("expected /textures to resolve")
	}
	if node.Kind != NodeDir {
		t.Errorf("expected directory to win over base file, got kind %v", node.Kind)
	}
}
