package vfs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"mo2vfs/internal/logging"
)

var dirLogger = logging.GetLogger().WithPrefix("dir")

// Dir is a directory node of the composite tree: the mount root, a base
// subdirectory, a mod subdirectory, or one synthesised purely in the
// overwrite layer. Which of those it is lives in the tree, not on Dir
// itself — Dir only carries the mount path needed to resolve it.
type Dir struct {
	fs   *Filesystem
	path MountPath
}

// Attr implements fusefs.Node.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	tree, release := d.fs.treeRef.Load()
	node, ok := tree.Resolve(d.path)
	if !ok {
		release()
		return ToErrno(NewError(OpGetattr, d.path.String(), KindNotFound, nil))
	}
	leaves := collectLeaves(node)
	subdirs := countSubdirs(node)
	release()

	writable := d.path.IsRoot() || d.fs.overwrite.HasWritableDir(NewRelPath(d.path.String()))

	mtime := latestMtime(d.fs, leaves)
	mode := os.FileMode(0555)
	if writable {
		mode = 0755
	}

	a.Mode = os.ModeDir | mode
	a.Mtime = mtime
	a.Atime = mtime
	a.Ctime = mtime
	a.Nlink = uint32(2 + subdirs)
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid

	inode, ok := d.fs.inodes.Peek(d.path.String())
	if !ok {
		dirLogger.Error("getattr on %q with no allocated inode", d.path.String())
		return ToErrno(NewError(OpGetattr, d.path.String(), KindInternal, nil))
	}
	a.Inode = inode
	return nil
}

// Setattr implements fs.NodeSetattrer. Directories carry no persisted
// attributes of their own; mode/ownership changes are accepted and
// discarded (spec §4.6).
func (d *Dir) Setattr(ctx context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(ctx, &resp.Attr)
}

// Lookup implements fs.NodeStringLookuper.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	childPath := d.path.Child(name)

	tree, release := d.fs.treeRef.Load()
	parent, ok := tree.Resolve(d.path)
	if !ok {
		release()
		return nil, ToErrno(NewError(OpLookup, d.path.String(), KindNotFound, nil))
	}
	child, ok := tree.LookupChild(parent, name)
	release()

	if !ok || child.Kind == NodeWhiteout {
		return nil, ToErrno(NewError(OpLookup, childPath.String(), KindNotFound, nil))
	}

	d.fs.inodes.AllocateOrReuse(childPath.String())

	if child.Kind == NodeDir {
		return &Dir{fs: d.fs, path: childPath}, nil
	}
	return &File{fs: d.fs, path: childPath}, nil
}

// ReadDirAll implements fs.HandleReadDirAller.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	tree, release := d.fs.treeRef.Load()
	defer release()

	node, ok := tree.Resolve(d.path)
	if !ok {
		return nil, ToErrno(NewError(OpReadDir, d.path.String(), KindNotFound, nil))
	}

	entries := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}
	for _, e := range tree.ReadDir(node) {
		if e.Node.Kind == NodeWhiteout {
			continue
		}
		dtype := fuse.DT_File
		if e.Node.Kind == NodeDir {
			dtype = fuse.DT_Dir
		}
		entries = append(entries, fuse.Dirent{Name: e.Name, Type: dtype})
	}
	return entries, nil
}

// Mkdir implements fs.NodeMkdirer.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	childPath := d.path.Child(req.Name)

	tree, release := d.fs.treeRef.Load()
	_, exists := tree.Resolve(childPath)
	release()
	if exists {
		return nil, ToErrno(NewError(OpMkdir, childPath.String(), KindConflict, nil))
	}

	rel := NewRelPath(childPath.String())
	if _, err := d.fs.overwrite.MkdirStaging(rel); err != nil {
		return nil, ToErrno(NewError(OpMkdir, childPath.String(), KindNotWritable, err))
	}

	d.fs.treeRef.Mutate(func(t *Tree) {
		ensureDir(t.Root(), rel)
	})
	d.fs.inodes.AllocateOrReuse(childPath.String())

	dirLogger.Info("created directory %q", childPath.String())
	return &Dir{fs: d.fs, path: childPath}, nil
}

// Create implements fs.NodeCreater.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	childPath := d.path.Child(req.Name)

	tree, release := d.fs.treeRef.Load()
	existing, exists := tree.Resolve(childPath)
	release()
	if exists && existing.Kind != NodeWhiteout {
		return nil, nil, ToErrno(NewError(OpCreate, childPath.String(), KindConflict, nil))
	}

	rel := NewRelPath(childPath.String())
	stagingPath, err := d.fs.overwrite.ResolveNew(rel)
	if err != nil {
		return nil, nil, ToErrno(NewError(OpCreate, childPath.String(), KindNotWritable, err))
	}

	// The returned handle is writable, so the staging file is always opened
	// read-write whatever access mode the request carried.
	flags := int(req.Flags)&^(os.O_WRONLY|os.O_RDWR) | os.O_RDWR | os.O_CREATE
	osFile, err := os.OpenFile(stagingPath, flags, req.Mode)
	if err != nil {
		return nil, nil, ToErrno(NewError(OpCreate, childPath.String(), KindIoError, err))
	}

	d.fs.treeRef.Mutate(func(t *Tree) {
		insertFile(t.Root(), rel, &Node{Kind: NodeFile, Source: stagingPath, Origin: OriginOverwrite})
	})
	inode := d.fs.inodes.AllocateOrReuse(childPath.String())

	info, err := osFile.Stat()
	if err == nil {
		fillFileAttr(&resp.Attr, info, d.fs.uid, d.fs.gid)
	}
	resp.Attr.Inode = inode
	resp.Flags |= fuse.OpenDirectIO

	dirLogger.Info("created file %q", childPath.String())
	return &File{fs: d.fs, path: childPath}, &FileHandle{file: osFile, path: childPath.String(), writable: true}, nil
}

// Remove implements fs.NodeRemover.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	childPath := d.path.Child(req.Name)

	tree, release := d.fs.treeRef.Load()
	node, ok := tree.Resolve(childPath)
	if ok && req.Dir {
		if len(tree.ReadDir(node)) > 0 {
			release()
			return ToErrno(NewError(OpUnlink, childPath.String(), KindConflict, os.ErrExist))
		}
	}
	release()

	if !ok || node.Kind == NodeWhiteout {
		return ToErrno(NewError(OpUnlink, childPath.String(), KindNotFound, nil))
	}

	rel := NewRelPath(childPath.String())

	if req.Dir {
		d.fs.treeRef.Mutate(func(t *Tree) {
			removeChild(t.Root(), childPath)
		})
		d.fs.inodes.Drop(childPath.String())
		dirLogger.Info("removed directory %q", childPath.String())
		return nil
	}

	switch node.Origin {
	case OriginOverwrite, OriginExtra:
		if err := d.fs.overwrite.RemoveWritable(rel); err != nil {
			return ToErrno(NewError(OpUnlink, childPath.String(), KindIoError, err))
		}
		d.fs.treeRef.Mutate(func(t *Tree) {
			removeChild(t.Root(), childPath)
		})
	default:
		if err := d.fs.overwrite.WriteWhiteout(rel); err != nil {
			return ToErrno(NewError(OpUnlink, childPath.String(), KindNotWritable, err))
		}
		d.fs.treeRef.Mutate(func(t *Tree) {
			insertFile(t.Root(), rel, &Node{Kind: NodeWhiteout})
		})
	}

	d.fs.inodes.Drop(childPath.String())
	dirLogger.Info("removed %q (origin %s)", childPath.String(), node.Origin)
	return nil
}

// Rename implements fs.NodeRenamer.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return ToErrno(NewError(OpRename, req.NewName, KindInternal, nil))
	}

	oldPath := d.path.Child(req.OldName)
	newPath := target.path.Child(req.NewName)

	tree, release := d.fs.treeRef.Load()
	node, exists := tree.Resolve(oldPath)
	release()
	if !exists || node.Kind == NodeWhiteout {
		return ToErrno(NewError(OpRename, oldPath.String(), KindNotFound, nil))
	}

	if node.Kind == NodeDir {
		d.fs.treeRef.Mutate(func(t *Tree) {
			moveSubtree(t.Root(), oldPath, newPath)
		})
		d.fs.inodes.Rename(oldPath.String(), newPath.String())
		dirLogger.Info("renamed directory %q -> %q", oldPath.String(), newPath.String())
		return nil
	}

	relOld := NewRelPath(oldPath.String())
	relNew := NewRelPath(newPath.String())

	var readSource string
	if node.Origin != OriginOverwrite && node.Origin != OriginExtra {
		readSource = node.Source
	}
	stagingPath, err := d.fs.overwrite.ResolveWrite(relOld, readSource)
	if err != nil {
		return ToErrno(NewError(OpRename, oldPath.String(), KindNotWritable, err))
	}

	newStagingPath := d.fs.overwrite.StagingPath(relNew)
	if err := os.MkdirAll(filepath.Dir(newStagingPath), 0755); err != nil {
		return ToErrno(NewError(OpRename, newPath.String(), KindNotWritable, err))
	}
	if err := os.Rename(stagingPath, newStagingPath); err != nil {
		return ToErrno(NewError(OpRename, newPath.String(), KindIoError, err))
	}

	d.fs.treeRef.Mutate(func(t *Tree) {
		removeChild(t.Root(), oldPath)
		insertFile(t.Root(), relNew, &Node{Kind: NodeFile, Source: newStagingPath, Origin: OriginOverwrite})
	})
	d.fs.inodes.Rename(oldPath.String(), newPath.String())

	dirLogger.Info("renamed file %q -> %q", oldPath.String(), newPath.String())
	return nil
}

// collectLeaves walks node's subtree gathering every file/whiteout leaf,
// used by Attr to compute a directory's synthesised mtime. It must be
// called while the caller still holds the tree's read lock: the returned
// *Node pointers are never mutated in place (builder.go always replaces
// map entries wholesale), so reading their fields after release is safe,
// but walking Children itself is not.
func collectLeaves(node *Node) []*Node {
	var leaves []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			if child.Kind == NodeDir {
				walk(child)
				continue
			}
			leaves = append(leaves, child)
		}
	}
	walk(node)
	return leaves
}

func countSubdirs(node *Node) int {
	n := 0
	for _, child := range node.Children {
		if child.Kind == NodeDir {
			n++
		}
	}
	return n
}

// latestMtime stats every leaf gathered by collectLeaves and returns the
// most recent modification time, defaulting to now for an empty directory.
func latestMtime(f *Filesystem, leaves []*Node) time.Time {
	latest := time.Now()
	found := false
	for _, leaf := range leaves {
		if leaf.Kind == NodeWhiteout {
			continue
		}
		info, err := statPhysical(f, leaf)
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(latest) {
			latest = info.ModTime()
			found = true
		}
	}
	return latest
}
