package vfs

import (
	"context"
	"os"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"mo2vfs/internal/logging"
)

var fileLogger = logging.GetLogger().WithPrefix("file")

// File is a regular file node of the composite tree.
type File struct {
	fs   *Filesystem
	path MountPath
}

// statPhysical stats leaf's backing file. Base-origin files are stated
// through the pre-mount backing directory descriptor rather than by path,
// so a request against the mount never has to resolve through the mount
// itself (spec §4.6 self-reference avoidance).
func statPhysical(f *Filesystem, leaf *Node) (os.FileInfo, error) {
	if leaf.Origin == OriginBase {
		var stat unix.Stat_t
		if err := unix.Fstatat(f.backingFD, leaf.BaseRel.String(), &stat, 0); err != nil {
			return nil, err
		}
		return &rawFileInfo{name: leaf.Name, stat: stat}, nil
	}
	return os.Stat(leaf.Source)
}

// openPhysical opens leaf's backing file for reading, through the backing
// directory descriptor for base-origin leaves, by path otherwise.
func openPhysical(f *Filesystem, leaf *Node, flags int) (*os.File, error) {
	if leaf.Origin == OriginBase {
		fd, err := unix.Openat(f.backingFD, leaf.BaseRel.String(), flags, 0)
		if err != nil {
			return nil, err
		}
		return os.NewFile(uintptr(fd), leaf.Source), nil
	}
	return os.OpenFile(leaf.Source, flags, 0)
}

// Attr implements fusefs.Node.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	tree, release := f.fs.treeRef.Load()
	node, ok := tree.Resolve(f.path)
	release()
	if !ok || node.Kind == NodeWhiteout {
		return ToErrno(NewError(OpGetattr, f.path.String(), KindNotFound, nil))
	}

	info, err := statPhysical(f.fs, node)
	if err != nil {
		return ToErrno(NewError(OpGetattr, f.path.String(), KindIoError, err))
	}
	fillFileAttr(a, info, f.fs.uid, f.fs.gid)

	inode, ok := f.fs.inodes.Peek(f.path.String())
	if !ok {
		fileLogger.Error("getattr on %q with no allocated inode", f.path.String())
		return ToErrno(NewError(OpGetattr, f.path.String(), KindInternal, nil))
	}
	a.Inode = inode
	return nil
}

// Setattr implements fs.NodeSetattrer: truncate, chmod, and time changes
// all force materialisation into staging first (spec §4.5, §4.6).
// Ownership changes are accepted and discarded.
func (f *File) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	tree, release := f.fs.treeRef.Load()
	node, ok := tree.Resolve(f.path)
	release()
	if !ok {
		return ToErrno(NewError(OpSetattr, f.path.String(), KindNotFound, nil))
	}

	rel := NewRelPath(f.path.String())
	var readSource string
	if node.Origin != OriginOverwrite {
		readSource = node.Source
	}
	stagingPath, err := f.fs.overwrite.ResolveWrite(rel, readSource)
	if err != nil {
		return ToErrno(NewError(OpSetattr, f.path.String(), KindNotWritable, err))
	}
	if node.Origin != OriginOverwrite {
		f.fs.treeRef.Mutate(func(t *Tree) {
			insertFile(t.Root(), rel, &Node{Kind: NodeFile, Source: stagingPath, Origin: OriginOverwrite})
		})
	}

	if req.Valid.Size() {
		if err := os.Truncate(stagingPath, int64(req.Size)); err != nil {
			return ToErrno(NewError(OpSetattr, f.path.String(), KindIoError, err))
		}
	}
	if req.Valid.Mode() {
		if err := os.Chmod(stagingPath, req.Mode); err != nil {
			return ToErrno(NewError(OpSetattr, f.path.String(), KindIoError, err))
		}
	}
	if req.Valid.Mtime() || req.Valid.Atime() {
		if err := os.Chtimes(stagingPath, req.Atime, req.Mtime); err != nil {
			return ToErrno(NewError(OpSetattr, f.path.String(), KindIoError, err))
		}
	}
	// Uid/Gid changes (req.Valid.Uid()/Gid()) are accepted and ignored.

	info, err := os.Stat(stagingPath)
	if err != nil {
		return ToErrno(NewError(OpSetattr, f.path.String(), KindIoError, err))
	}
	fillFileAttr(&resp.Attr, info, f.fs.uid, f.fs.gid)
	inode, ok := f.fs.inodes.Peek(f.path.String())
	if ok {
		resp.Attr.Inode = inode
	}
	return nil
}

// Open implements fs.NodeOpener.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	tree, release := f.fs.treeRef.Load()
	node, ok := tree.Resolve(f.path)
	release()
	if !ok || node.Kind == NodeWhiteout {
		return nil, ToErrno(NewError(OpOpen, f.path.String(), KindNotFound, nil))
	}

	flags := int(req.Flags)
	writeIntent := flags&os.O_WRONLY != 0 || flags&os.O_RDWR != 0

	resp.Flags |= fuse.OpenDirectIO

	if !writeIntent {
		osFile, err := openPhysical(f.fs, node, flags)
		if err != nil {
			return nil, ToErrno(NewError(OpOpen, f.path.String(), KindIoError, err))
		}
		return &FileHandle{file: osFile, path: f.path.String(), writable: false}, nil
	}

	rel := NewRelPath(f.path.String())
	var readSource string
	if node.Origin != OriginOverwrite {
		readSource = node.Source
	}
	stagingPath, err := f.fs.overwrite.ResolveWrite(rel, readSource)
	if err != nil {
		return nil, ToErrno(NewError(OpOpen, f.path.String(), KindNotWritable, err))
	}
	if node.Origin != OriginOverwrite {
		f.fs.treeRef.Mutate(func(t *Tree) {
			insertFile(t.Root(), rel, &Node{Kind: NodeFile, Source: stagingPath, Origin: OriginOverwrite})
		})
	}

	osFile, err := os.OpenFile(stagingPath, flags, 0)
	if err != nil {
		return nil, ToErrno(NewError(OpOpen, f.path.String(), KindIoError, err))
	}
	return &FileHandle{file: osFile, path: f.path.String(), writable: true}, nil
}
