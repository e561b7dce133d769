package vfs

import (
	"os"
	"time"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// rawFileInfo adapts a unix.Stat_t taken through a pre-mount backing
// directory descriptor (spec §4.6 self-reference avoidance) into an
// os.FileInfo, so base-origin files feed the same attribute-filling path
// as everything else.
type rawFileInfo struct {
	name string
	stat unix.Stat_t
}

func (fi *rawFileInfo) Name() string       { return fi.name }
func (fi *rawFileInfo) Size() int64        { return fi.stat.Size }
func (fi *rawFileInfo) Mode() os.FileMode  { return unixModeToGo(fi.stat.Mode) }
func (fi *rawFileInfo) ModTime() time.Time { return time.Unix(fi.stat.Mtim.Sec, fi.stat.Mtim.Nsec) }
func (fi *rawFileInfo) IsDir() bool        { return fi.Mode().IsDir() }
func (fi *rawFileInfo) Sys() interface{}   { return &fi.stat }

func unixModeToGo(mode uint32) os.FileMode {
	perm := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return perm | os.ModeDir
	case unix.S_IFLNK:
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

// fillFileAttr copies a physical file's attributes onto a, the same way
// for every origin regardless of which stat path produced info.
func fillFileAttr(a *fuse.Attr, info os.FileInfo, uid, gid uint32) {
	a.Mode = info.Mode()
	a.Size = safeInt64ToUint64(info.Size())
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime() // we don't track access time
	a.Ctime = info.ModTime() // we don't track creation time
	a.Uid = uid
	a.Gid = gid
	a.BlockSize = 4096
	a.Blocks = safeInt64ToUint64((info.Size() + 511) / 512)
}
