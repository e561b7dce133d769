package vfs

import (
	"bazil.org/fuse/fs"
)

// FuseNode is any tree entry addressable by the kernel: directory or file.
// Named to avoid colliding with the tree's own Node type.
type FuseNode interface {
	fs.Node
	fs.NodeSetattrer
}

// Directory is the operation set the mount root and every composite
// directory node implement (spec §4.6). Extended attributes are out of
// scope (spec Non-goals), so no Getxattr/Setxattr family here.
type Directory interface {
	FuseNode
	fs.NodeStringLookuper
	fs.HandleReadDirAller
	fs.NodeMkdirer
	fs.NodeCreater
	fs.NodeRemover
	fs.NodeRenamer
}

// FileInterface is the operation set a regular file node implements.
type FileInterface interface {
	FuseNode
	fs.NodeOpener
}

// FileHandleInterface is the operation set an open file handle implements.
type FileHandleInterface interface {
	fs.Handle
	fs.HandleReader
	fs.HandleWriter
	fs.HandleReleaser
}

var (
	_ Directory           = (*Dir)(nil)
	_ FileInterface       = (*File)(nil)
	_ FileHandleInterface = (*FileHandle)(nil)
)
