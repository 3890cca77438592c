package tree

import (
	"errors"

	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/shm"
)

// ErrAbsent reports a lookup that resolved to nothing, either because no
// node exists or because a tombstone masks the path.
var ErrAbsent = errors.New("usvfs: path absent")

// LookupState classifies a Lookup result.
type LookupState int

const (
	// Found: the returned node exists and is visible.
	Found LookupState = iota
	// Absent: no node, or an ancestor tombstone/pruned directory hides
	// the path.
	Absent
	// Tombstoned: the path terminates exactly on a tombstone node.
	Tombstoned
)

// Tree is the primary overlay index rooted at a synthetic directory. It
// owns no memory of its own; every node lives in the underlying segment.
type Tree struct {
	seg  *shm.Segment
	root uint32
}

// New opens the tree inside seg, constructing the root node on first use.
func New(seg *shm.Segment) (*Tree, error) {
	t := &Tree{seg: seg}

	off, created, err := seg.FindOrCreate("root", nodeSize)
	if err != nil {
		return nil, err
	}
	t.root = off

	if created {
		nameOff, err := seg.PutString("")
		if err != nil {
			return nil, err
		}
		seg.PutU32(off+nodeOffName, nameOff)
		seg.PutU8(off+nodeOffKind, uint8(KindDirectory))
	}

	return t, nil
}

// Segment returns the segment hosting this tree.
func (t *Tree) Segment() *shm.Segment {
	return t.seg
}

// Root returns the synthetic root directory.
func (t *Tree) Root() Node {
	return Node{t: t, off: t.root}
}

// Lookup descends by case-folded components. A tombstone or pruned
// directory anywhere above the target hides it.
func (t *Tree) Lookup(virtualPath string) (Node, LookupState) {
	components := data.Split(virtualPath)
	node := t.Root()

	for i, comp := range components {
		if node.Kind() == KindTombstone || node.Flags()&FlagPruned != 0 {
			return Node{}, Absent
		}

		child := node.Child(comp)
		if !child.Valid() {
			return Node{}, Absent
		}

		if child.Kind() == KindTombstone {
			if i == len(components)-1 {
				return child, Tombstoned
			}
			return Node{}, Absent
		}

		node = child
	}

	if node.Flags()&FlagPruned != 0 && node.off != t.root {
		// The pruned directory itself stays visible; only its children
		// are hidden.
		return node, Found
	}

	return node, Found
}

// AddFile walks or creates directory nodes along virtualPath and installs
// the leaf. An existing tombstone leaf is replaced; an existing file leaf
// is updated in place.
func (t *Tree) AddFile(virtualPath, realPath string, flags Flags) (Node, error) {
	components := data.Split(virtualPath)
	if len(components) == 0 {
		return Node{}, ErrIsDirectory
	}

	parent, err := t.ensureDirectories(components[:len(components)-1], flags)
	if err != nil {
		return Node{}, err
	}

	name := components[len(components)-1]
	leaf := parent.Child(name)

	switch {
	case !leaf.Valid():
		leaf, err = t.newNode(parent, name, KindFile, flags)
		if err != nil {
			return Node{}, err
		}
	case leaf.Kind() == KindDirectory:
		return Node{}, ErrIsDirectory
	default:
		// File or tombstone: either way the leaf is rewritten.
		leaf.setKind(KindFile)
		leaf.SetFlags(flags)
	}

	if err := leaf.SetRealPath(realPath); err != nil {
		return Node{}, err
	}

	return leaf, nil
}

// AddDirectory ensures a directory node exists at virtualPath and appends
// each source path to its stack in order. Appending an already-present
// source is a no-op.
func (t *Tree) AddDirectory(virtualPath string, realPaths []string, flags Flags) (Node, error) {
	node, err := t.ensureDirectories(data.Split(virtualPath), flags)
	if err != nil {
		return Node{}, err
	}

	for _, realPath := range realPaths {
		if err := node.AppendRealPath(realPath); err != nil {
			return Node{}, err
		}
	}

	return node, nil
}

// Remove hides virtualPath. A file leaf becomes a tombstone; a directory
// has its subtree released and is marked pruned. Reports whether a
// visible node was removed.
func (t *Tree) Remove(virtualPath string) (Node, bool) {
	node, state := t.Lookup(virtualPath)
	if state != Found || node.off == t.root {
		return Node{}, false
	}

	if node.Kind() == KindDirectory {
		count := node.ChildCount()
		for i := 0; i < count; i++ {
			node.ChildAt(i).free()
		}
		t.seg.ListClear(node.off+nodeOffChildren, nil)
		node.clearReals()
		node.SetFlags(node.Flags() | FlagPruned)
		return node, true
	}

	node.setKind(KindTombstone)
	node.clearReals()
	return node, true
}

// VirtualPath reconstructs the canonical path of a node by walking the
// weak parent references.
func (t *Tree) VirtualPath(n Node) string {
	if n.off == t.root {
		return "/"
	}

	components := make([]string, 0, 8)
	for n.Valid() && n.off != t.root {
		components = append(components, n.Name())
		n = n.Parent()
	}

	path := ""
	for i := len(components) - 1; i >= 0; i-- {
		path += "/" + components[i]
	}
	return path
}

// CopyTo reproduces this tree's contents inside dst, which must be empty.
// Used when a tree outgrows its segment: the rebuilt copy is published
// under a new name and the old segment is dropped.
func (t *Tree) CopyTo(dst *Tree) error {
	return copySubtree(t.Root(), dst, dst.Root())
}

func copySubtree(src Node, dstTree *Tree, dst Node) error {
	dst.SetFlags(src.Flags())

	for _, realPath := range src.RealPaths() {
		if err := dst.AppendRealPath(realPath); err != nil {
			return err
		}
	}

	count := src.ChildCount()
	for i := 0; i < count; i++ {
		child := src.ChildAt(i)
		copied, err := dstTree.newNode(dst, child.Name(), child.Kind(), child.Flags())
		if err != nil {
			return err
		}
		if err := copySubtree(child, dstTree, copied); err != nil {
			return err
		}
	}

	return nil
}

// ensureDirectories walks components from the root, creating directory
// nodes as needed. Tombstones along the way are revived as directories;
// file nodes are an error.
func (t *Tree) ensureDirectories(components []string, flags Flags) (Node, error) {
	node := t.Root()

	for _, comp := range components {
		child := node.Child(comp)
		if !child.Valid() {
			created, err := t.newNode(node, comp, KindDirectory, flags&FlagFromOverlay)
			if err != nil {
				return Node{}, err
			}
			node = created
			continue
		}

		switch child.Kind() {
		case KindFile:
			return Node{}, ErrNotDirectory
		case KindTombstone:
			child.setKind(KindDirectory)
			child.SetFlags(flags & FlagFromOverlay)
		}

		// Descending into a pruned directory revives it.
		child.SetFlags(child.Flags() &^ FlagPruned)
		node = child
	}

	return node, nil
}
