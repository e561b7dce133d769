package vfs

import "testing"

func TestInodeTableRootPinned(t *testing.T) {
	table := NewInodeTable()
	inode, ok := table.Peek("/")
	if !ok || inode != RootInode {
		t.Fatalf("expected root pinned at inode %d, got %d (ok=%v)", RootInode, inode, ok)
	}
}

func TestInodeTableAllocateOrReuseStable(t *testing.T) {
	table := NewInodeTable()

	first := table.AllocateOrReuse("/mods/SkyUI")
	second := table.AllocateOrReuse("/mods/SkyUI")
	if first != second {
		t.Errorf("expected stable inode across repeated lookups, got %d then %d", first, second)
	}

	other := table.AllocateOrReuse("/mods/Other")
	if other == first {
		t.Errorf("expected distinct paths to get distinct inodes, both got %d", first)
	}
}

func TestInodeTablePeekDoesNotAllocate(t *testing.T) {
	table := NewInodeTable()

	if _, ok := table.Peek("/never/looked/up"); ok {
		t.Error("expected Peek on unknown path to report not found")
	}

	table.AllocateOrReuse("/known")
	inode, ok := table.Peek("/known")
	if !ok {
		t.Fatal("expected Peek to find an allocated path")
	}

	again, ok := table.Peek("/known")
	if !ok || again != inode {
		t.Errorf("expected repeated Peek to be stable and non-allocating, got %d then %d", inode, again)
	}
}

func TestInodeTableForgetDropsAtZero(t *testing.T) {
	table := NewInodeTable()

	inode := table.AllocateOrReuse("/mods/SkyUI")
	table.AllocateOrReuse("/mods/SkyUI") // lookupCount now 2

	table.Forget(inode, 1)
	if _, ok := table.Resolve(inode); !ok {
		t.Fatal("entry should survive forget while lookup count is still positive")
	}

	table.Forget(inode, 1)
	if _, ok := table.Resolve(inode); ok {
		t.Error("entry should be dropped once lookup count reaches zero")
	}
}

func TestInodeTableForgetNeverDropsRoot(t *testing.T) {
	table := NewInodeTable()
	table.Forget(RootInode, 1000)

	if _, ok := table.Resolve(RootInode); !ok {
		t.Error("root inode entry must never be dropped by Forget")
	}
}

func TestInodeTableRenamePreservesInode(t *testing.T) {
	table := NewInodeTable()

	inode := table.AllocateOrReuse("/old/path")
	table.Rename("/old/path", "/new/path")

	if _, ok := table.Peek("/old/path"); ok {
		t.Error("old path should no longer resolve after rename")
	}
	newInode, ok := table.Peek("/new/path")
	if !ok {
		t.Fatal("new path should resolve after rename")
	}
	if newInode != inode {
		t.Errorf("expected inode to survive rename unchanged, got %d want %d", newInode, inode)
	}

	path, ok := table.Resolve(inode)
	if !ok || path != "/new/path" {
		t.Errorf("expected Resolve to report new path, got %q (ok=%v)", path, ok)
	}
}

func TestInodeTableDrop(t *testing.T) {
	table := NewInodeTable()

	inode := table.AllocateOrReuse("/a/b")
	table.Drop("/a/b")

	if _, ok := table.Peek("/a/b"); ok {
		t.Error("expected dropped path to no longer resolve")
	}
	if _, ok := table.Resolve(inode); ok {
		t.Error("expected dropped inode to no longer resolve")
	}
}

func TestInodeTableDropIgnoresRoot(t *testing.T) {
	table := NewInodeTable()
	table.Drop("/")

	if _, ok := table.Peek("/"); !ok {
		t.Error("Drop must never remove the root entry")
	}
}
