package vfs

import (
	"os"
	"path/filepath"
	"strings"

	"mo2vfs/internal/logging"
)

var builderLogger = logging.GetLogger().WithPrefix("builder")

// Mod is a single ordered overlay layer: a stable name and the absolute
// path of the directory whose contents shadow the base game directory.
// Later mods (higher index) shadow earlier mods for conflicting paths.
type Mod struct {
	Name string
	Path string
}

// ExtraFile injects a single physical file at a mount-relative path,
// for mappings the kernel overlay can't serve directly because they target
// one file inside an otherwise-directory-served path (spec §3, §4.8).
type ExtraFile struct {
	MountRel RelPath
	Source   string
}

// Build runs the pure TreeBuilder algorithm of spec §4.2: seed from the
// base catalog, layer mods in order, layer the overwrite directory, then
// apply extra-file injections last so they are unconditionally visible.
func Build(catalog *Catalog, mods []Mod, overwriteDir string, extras []ExtraFile) *Tree {
	root := newDirNode("/")

	seedBase(root, catalog)
	for i, mod := range mods {
		layerDir(root, mod.Path, OriginMod, i)
	}
	layerOverwrite(root, overwriteDir)
	applyExtras(root, extras)

	return newTree(root)
}

func seedBase(root *Node, catalog *Catalog) {
	if catalog == nil {
		return
	}
	for _, entry := range catalog.Entries {
		switch entry.Kind {
		case KindDirectory:
			ensureDir(root, entry.Rel)
		case KindRegular, KindSymlink:
			source := entry.Rel.FullPath(catalog.BaseDir)
			insertFile(root, entry.Rel, &Node{
				Kind:    NodeFile,
				Source:  source,
				Origin:  OriginBase,
				BaseRel: entry.Rel,
			})
		}
	}
}

// layerDir walks an overlay directory (a mod or the overwrite directory)
// and layers every entry it finds onto root under the given origin. A
// missing directory is logged and skipped rather than treated as fatal —
// mods can be temporarily unavailable without aborting the whole mount.
func layerDir(root *Node, dir string, origin Origin, modIndex int) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		builderLogger.Warn("layer directory %q unavailable, skipping: %v", dir, err)
		return
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			builderLogger.Warn("skipping unreadable path %q: %v", path, walkErr)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		relPath := NewRelPath(rel)

		if info.IsDir() {
			ensureDir(root, relPath)
			return nil
		}

		insertFile(root, relPath, &Node{
			Kind:     NodeFile,
			Source:   path,
			Origin:   origin,
			ModIndex: modIndex,
		})
		return nil
	})
	if err != nil {
		builderLogger.Warn("error walking layer directory %q: %v", dir, err)
	}
}

// layerOverwrite layers the overwrite directory like any other mod layer,
// except that a whiteout sentinel (spec §9 Open Question: persisted via a
// naming convention) produces a NodeWhiteout marker at the original path
// instead of a visible file, and the sentinel itself never appears as a
// directory entry.
func layerOverwrite(root *Node, overwriteDir string) {
	info, err := os.Stat(overwriteDir)
	if err != nil || !info.IsDir() {
		builderLogger.Debug("overwrite directory %q unavailable, skipping: %v", overwriteDir, err)
		return
	}

	err = filepath.Walk(overwriteDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			builderLogger.Warn("skipping unreadable path %q: %v", path, walkErr)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == overwriteDir {
			return nil
		}

		rel, err := filepath.Rel(overwriteDir, path)
		if err != nil {
			return nil
		}
		relPath := NewRelPath(rel)

		if info.IsDir() {
			ensureDir(root, relPath)
			return nil
		}

		if original, ok := whiteoutOriginal(relPath); ok {
			insertFile(root, original, &Node{Kind: NodeWhiteout, Name: original.String()})
			return nil
		}

		insertFile(root, relPath, &Node{
			Kind:   NodeFile,
			Source: path,
			Origin: OriginOverwrite,
		})
		return nil
	})
	if err != nil {
		builderLogger.Warn("error walking overwrite directory %q: %v", overwriteDir, err)
	}
}

func applyExtras(root *Node, extras []ExtraFile) {
	for _, extra := range extras {
		if _, err := os.Stat(extra.Source); err != nil {
			builderLogger.Warn("extra file source %q missing, dropping injection at %q", extra.Source, extra.MountRel.String())
			continue
		}
		insertFile(root, extra.MountRel, &Node{
			Kind:   NodeFile,
			Source: extra.Source,
			Origin: OriginExtra,
		})
	}
}

// ensureDir walks rel from root, creating intermediate directory nodes as
// needed. Any existing non-directory node along the path is replaced with
// an empty directory — a directory always wins over a file at the same
// path (spec §4.2 tie-break).
func ensureDir(root *Node, rel RelPath) *Node {
	node := root
	if rel.IsEmpty() {
		return node
	}
	for _, seg := range strings.Split(rel.String(), "/") {
		child, ok := node.Children[seg]
		if !ok || child.Kind != NodeDir {
			child = newDirNode(seg)
			node.Children[seg] = child
		}
		node = child
	}
	return node
}

// insertFile places leaf at rel, creating intermediate directories as
// needed and discarding whatever previously occupied that path — a later
// layer's leaf always wins outright, including shadowing an entire
// subtree a lower layer introduced as a directory (spec §4.2 tie-break).
func insertFile(root *Node, rel RelPath, leaf *Node) {
	if rel.IsEmpty() {
		return
	}
	segs := strings.Split(rel.String(), "/")
	parent := ensureDir(root, NewRelPath(strings.Join(segs[:len(segs)-1], "/")))
	name := segs[len(segs)-1]
	leaf.Name = name
	parent.Children[name] = leaf
}

// removeChild detaches the node at path from its parent's children map. It
// is a no-op if the path or its parent doesn't exist.
func removeChild(root *Node, path MountPath) {
	if path.IsRoot() {
		return
	}
	parent, ok := resolveNode(root, path.Parent())
	if !ok || parent.Kind != NodeDir {
		return
	}
	delete(parent.Children, path.Base())
}

// moveSubtree relocates the node at oldPath to newPath, preserving its
// Children map and every descendant untouched (spec §4.6 rename of a
// directory).
func moveSubtree(root *Node, oldPath, newPath MountPath) {
	oldParent, ok := resolveNode(root, oldPath.Parent())
	if !ok || oldParent.Kind != NodeDir {
		return
	}
	moved, ok := oldParent.Children[oldPath.Base()]
	if !ok {
		return
	}
	delete(oldParent.Children, oldPath.Base())

	newParent := ensureDir(root, NewRelPath(newPath.Parent().String()))
	moved.Name = newPath.Base()
	newParent.Children[newPath.Base()] = moved
}

// resolveNode walks path from root, used by the mutation helpers above
// which operate on a *Node directly rather than through a Tree.
func resolveNode(root *Node, path MountPath) (*Node, bool) {
	node := root
	for _, seg := range path.Segments() {
		child, ok := node.Children[seg]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

const whiteoutSuffix = ".mo2linux_whiteout"

// whiteoutOriginal reports whether rel names a whiteout sentinel and, if
// so, the original path it shadows.
func whiteoutOriginal(rel RelPath) (RelPath, bool) {
	base := filepath.Base(rel.String())
	original, ok := strings.CutSuffix(base, whiteoutSuffix)
	if !ok || original == "" {
		return RelPath{}, false
	}
	dir := filepath.Dir(rel.String())
	if dir == "." {
		return NewRelPath(original), true
	}
	return NewRelPath(dir + "/" + original), true
}

// whiteoutSentinelPath returns the on-disk sentinel path for rel inside
// overwriteDir.
func whiteoutSentinelPath(overwriteDir string, rel RelPath) string {
	dir := filepath.Dir(rel.String())
	base := filepath.Base(rel.String()) + whiteoutSuffix
	if dir == "." {
		return filepath.Join(overwriteDir, base)
	}
	return filepath.Join(overwriteDir, dir, base)
}
