package vfs

import (
	"path/filepath"
	"strings"

	"mo2vfs/internal/logging"
)

var pathLogger = logging.GetLogger().WithPrefix("path")

// MountPath is a path inside the composite mount namespace. It is always
// absolute and cleaned; "/" denotes the mount root.
type MountPath struct {
	path string
}

// NewMountPath cleans path and anchors it at the mount root.
func NewMountPath(path string) MountPath {
	cleaned := filepath.Clean("/" + path)
	pathLogger.Trace("mount path %q -> %q", path, cleaned)
	return MountPath{path: cleaned}
}

// RootPath is the MountPath for the mount point itself.
func RootPath() MountPath { return MountPath{path: "/"} }

func (p MountPath) String() string { return p.path }

func (p MountPath) IsRoot() bool { return p.path == "/" }

// Parent returns the parent MountPath. The root's parent is itself.
func (p MountPath) Parent() MountPath {
	if p.IsRoot() {
		return p
	}
	return NewMountPath(filepath.Dir(p.path))
}

// Base returns the final path component.
func (p MountPath) Base() string { return filepath.Base(p.path) }

// Child returns the MountPath for name resolved inside this directory.
func (p MountPath) Child(name string) MountPath {
	if p.IsRoot() {
		return NewMountPath("/" + name)
	}
	return NewMountPath(p.path + "/" + name)
}

// Segments splits the path into its non-empty components, e.g. "/a/b" ->
// ["a", "b"]. The root yields an empty slice.
func (p MountPath) Segments() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p.path, "/"), "/")
}

// RelPath is a path relative to some directory root (a mod, the overwrite
// directory, or the base game directory), used while scanning and layering.
// It never starts with "/" and is always cleaned.
type RelPath struct {
	path string
}

// NewRelPath cleans path and strips any leading slash.
func NewRelPath(path string) RelPath {
	cleaned := filepath.Clean(path)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." {
		cleaned = ""
	}
	return RelPath{path: cleaned}
}

func (p RelPath) String() string { return p.path }

func (p RelPath) IsEmpty() bool { return p.path == "" }

// Mount returns the MountPath corresponding to this relative path, anchored
// at the mount root.
func (p RelPath) Mount() MountPath { return NewMountPath(p.path) }

// Join appends name as a new path component.
func (p RelPath) Join(name string) RelPath {
	if p.IsEmpty() {
		return NewRelPath(name)
	}
	return NewRelPath(p.path + "/" + name)
}

// FullPath joins this relative path onto an absolute root directory.
func (p RelPath) FullPath(root string) string {
	return filepath.Join(root, p.path)
}
