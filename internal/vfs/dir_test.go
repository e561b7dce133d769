package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

// setupTestFilesystem assembles a real Filesystem (real temp directories,
// real backing fd, real overwrite manager) the way lifecycle.Mount does,
// without going through an actual FUSE mount.
func setupTestFilesystem(t *testing.T, mods []Mod, extras []ExtraFile) (*Filesystem, string, string) {
	t.Helper()

	baseDir := filepath.Join(t.TempDir(), "base")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		t.Fatalf("creating base dir: %v", err)
	}
	overwriteDir := filepath.Join(t.TempDir(), "overwrite")
	stagingDir := filepath.Join(t.TempDir(), "staging")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("scanning base dir: %v", err)
	}

	tree := Build(catalog, mods, overwriteDir, extras)
	treeRef := NewTreeRef(tree)
	inodes := NewInodeTable()
	overwrite := NewOverwriteManager(stagingDir, overwriteDir)
	if err := overwrite.Reset(); err != nil {
		t.Fatalf("resetting overwrite manager: %v", err)
	}

	backingFD, err := unix.Open(baseDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("opening backing fd: %v", err)
	}
	t.Cleanup(func() { unix.Close(backingFD) })

	fsys := NewFilesystem(treeRef, inodes, overwrite, scanner, backingFD)
	return fsys, baseDir, overwriteDir
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating parent of %q: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %q: %v", path, err)
	}
}

func TestDirRootReadDirAll(t *testing.T) {
	fsys, baseDir, _ := setupTestFilesystem(t, nil, nil)
	writeTestFile(t, filepath.Join(baseDir, "readme.txt"), "hi")

	// The filesystem was built before the file above existed; rebuild the
	// tree against the refreshed base scan the way Rebuild does.
	scanner := NewBaseScanner()
	scanner.Invalidate(baseDir)
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("rescanning base dir: %v", err)
	}
	fsys.treeRef.Swap(Build(catalog, nil, "", nil))

	root, err := fsys.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	dir := root.(*Dir)

	entries, err := dir.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}

	found := false
	for _, e := range entries {
		if e.Name == "readme.txt" {
			found = true
		}
	}
	if !found {
		t.Error("expected readme.txt to be listed in the root directory")
	}
}

func TestDirMkdirAndLookup(t *testing.T) {
	fsys, _, _ := setupTestFilesystem(t, nil, nil)
	ctx := context.Background()

	root, _ := fsys.Root()
	dir := root.(*Dir)

	node, err := dir.Mkdir(ctx, &fuse.MkdirRequest{Name: "newdir"})
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, ok := node.(*Dir); !ok {
		t.Fatal("expected Mkdir to return a *Dir")
	}

	found, err := dir.Lookup(ctx, "newdir")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, ok := found.(*Dir); !ok {
		t.Error("expected lookup to find the created directory")
	}
}

func TestDirMkdirConflict(t *testing.T) {
	fsys, _, _ := setupTestFilesystem(t, nil, nil)
	ctx := context.Background()

	root, _ := fsys.Root()
	dir := root.(*Dir)

	if _, err := dir.Mkdir(ctx, &fuse.MkdirRequest{Name: "dup"}); err != nil {
		t.Fatalf("first Mkdir: %v", err)
	}
	if _, err := dir.Mkdir(ctx, &fuse.MkdirRequest{Name: "dup"}); err == nil {
		t.Error("expected a second Mkdir of the same name to fail")
	}
}

func TestDirCreateFile(t *testing.T) {
	fsys, _, _ := setupTestFilesystem(t, nil, nil)
	ctx := context.Background()

	root, _ := fsys.Root()
	dir := root.(*Dir)

	node, handle, err := dir.Create(ctx, &fuse.CreateRequest{Name: "new.txt", Mode: 0644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := node.(*File); !ok {
		t.Fatal("expected Create to return a *File")
	}
	fh, ok := handle.(*FileHandle)
	if !ok {
		t.Fatal("expected Create to return a *FileHandle")
	}

	writeResp := &fuse.WriteResponse{}
	if err := fh.Write(ctx, &fuse.WriteRequest{Data: []byte("hello")}, writeResp); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if writeResp.Size != 5 {
		t.Errorf("expected to write 5 bytes, wrote %d", writeResp.Size)
	}
	if err := fh.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	found, err := dir.Lookup(ctx, "new.txt")
	if err != nil {
		t.Fatalf("Lookup after create: %v", err)
	}
	if _, ok := found.(*File); !ok {
		t.Error("expected lookup to find the created file")
	}
}

func TestDirRemoveBaseFileWritesWhiteout(t *testing.T) {
	mods := []Mod(nil)
	fsys, baseDir, overwriteDir := setupTestFilesystem(t, mods, nil)
	writeTestFile(t, filepath.Join(baseDir, "base.txt"), "base content")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(baseDir)
	if err != nil {
		t.Fatalf("scanning base dir: %v", err)
	}
	fsys.treeRef.Swap(Build(catalog, mods, overwriteDir, nil))

	ctx := context.Background()
	root, _ := fsys.Root()
	dir := root.(*Dir)

	if err := dir.Remove(ctx, &fuse.RemoveRequest{Name: "base.txt"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := dir.Lookup(ctx, "base.txt"); err == nil {
		t.Error("expected removed base file to no longer be visible")
	}

	sentinel := filepath.Join(overwriteDir, "base.txt.mo2linux_whiteout")
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("expected whiteout sentinel to be written at %q: %v", sentinel, err)
	}
}

func TestDirRenameDirectory(t *testing.T) {
	fsys, _, _ := setupTestFilesystem(t, nil, nil)
	ctx := context.Background()

	root, _ := fsys.Root()
	dir := root.(*Dir)

	if _, err := dir.Mkdir(ctx, &fuse.MkdirRequest{Name: "olddir"}); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if err := dir.Rename(ctx, &fuse.RenameRequest{OldName: "olddir", NewName: "newdir"}, dir); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := dir.Lookup(ctx, "olddir"); err == nil {
		t.Error("expected old name to be gone after rename")
	}
	if _, err := dir.Lookup(ctx, "newdir"); err != nil {
		t.Errorf("expected new name to resolve after rename: %v", err)
	}
}
