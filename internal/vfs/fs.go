package vfs

import (
	"os"
	"strconv"

	fusefs "bazil.org/fuse/fs"

	"mo2vfs/internal/logging"
)

var fsLogger = logging.GetLogger().WithPrefix("fs")

// Filesystem is the root fusefs.FS implementation: the published tree, the
// inode table, the overwrite manager, and the pre-mount backing directory
// descriptor every handler reaches through (spec §3, §4).
type Filesystem struct {
	treeRef   *TreeRef
	inodes    *InodeTable
	overwrite *OverwriteManager
	scanner   *BaseScanner

	// backingFD is an fd opened on the data directory before the mount
	// shadows it at the same path, so base-origin reads/stats can reach the
	// real files underneath the mount without resolving through the mount
	// itself (spec §4.6 self-reference avoidance).
	backingFD int

	uid uint32
	gid uint32
}

// NewFilesystem wires a Filesystem around an already-published tree and
// its supporting tables.
func NewFilesystem(treeRef *TreeRef, inodes *InodeTable, overwrite *OverwriteManager, scanner *BaseScanner, backingFD int) *Filesystem {
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puid := os.Getenv("PUID"); puid != "" {
		if v, err := strconv.ParseUint(puid, 10, 32); err == nil {
			uid = uint32(v)
		}
	}
	if pgid := os.Getenv("PGID"); pgid != "" {
		if v, err := strconv.ParseUint(pgid, 10, 32); err == nil {
			gid = uint32(v)
		}
	}

	return &Filesystem{
		treeRef:   treeRef,
		inodes:    inodes,
		overwrite: overwrite,
		scanner:   scanner,
		backingFD: backingFD,
		uid:       uid,
		gid:       gid,
	}
}

// Root implements fusefs.FS.
func (f *Filesystem) Root() (fusefs.Node, error) {
	fsLogger.Trace("returning root directory node")
	return &Dir{fs: f, path: RootPath()}, nil
}
