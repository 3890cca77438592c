// Package tree implements the virtual tree and its inverse index. Both
// live entirely inside shared memory segments: a node is a fixed-size
// record addressed by offset, its strings and child arrays are segment
// allocations, and the parent link is a weak back reference used only for
// path reconstruction.
package tree

import (
	"errors"

	"github.com/frames/usvfs/data"
)

// Kind classifies a node.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindTombstone
)

// Flags is the node flag bitmask.
type Flags uint8

const (
	// FlagPruned hides a directory's children after a subtree removal.
	FlagPruned Flags = 1 << iota
	// FlagFromOverlay marks a node synthesized from an overlay rather
	// than backed by a real directory.
	FlagFromOverlay
	// FlagAlternative marks a node that is part of a layered stack.
	FlagAlternative
)

var (
	ErrIsDirectory  = errors.New("usvfs: node is a directory")
	ErrNotDirectory = errors.New("usvfs: node is not a directory")
)

// Node record layout. All fields little-endian, all references offsets:
//
//	 0  nameOff   u32
//	 4  parentOff u32
//	 8  kind u8, flags u8, reserved u16
//	12  children  list header (child node offsets, insertion order)
//	20  reals     list header (string offsets; files hold exactly one,
//	    directories hold the ordered source stack, deepest layer last)
const (
	nodeOffName     = 0
	nodeOffParent   = 4
	nodeOffKind     = 8
	nodeOffFlags    = 9
	nodeOffChildren = 12
	nodeOffReals    = 20

	nodeSize = 28
)

// Node is a handle on one record of a tree. The zero Node is invalid.
type Node struct {
	t   *Tree
	off uint32
}

// Valid reports whether the handle references a record.
func (n Node) Valid() bool {
	return n.off != 0
}

// Name returns the node's last path component with original case.
func (n Node) Name() string {
	return n.t.seg.String(n.t.seg.U32(n.off + nodeOffName))
}

// Kind returns the node's classification.
func (n Node) Kind() Kind {
	return Kind(n.t.seg.U8(n.off + nodeOffKind))
}

func (n Node) setKind(k Kind) {
	n.t.seg.PutU8(n.off+nodeOffKind, uint8(k))
}

// Flags returns the node's flag bitmask.
func (n Node) Flags() Flags {
	return Flags(n.t.seg.U8(n.off + nodeOffFlags))
}

// SetFlags replaces the node's flag bitmask.
func (n Node) SetFlags(f Flags) {
	n.t.seg.PutU8(n.off+nodeOffFlags, uint8(f))
}

// Parent returns the weak back reference; invalid for the root.
func (n Node) Parent() Node {
	return Node{t: n.t, off: n.t.seg.U32(n.off + nodeOffParent)}
}

// ChildCount returns the number of direct children.
func (n Node) ChildCount() int {
	return n.t.seg.ListLen(n.off + nodeOffChildren)
}

// ChildAt returns the i-th child in insertion order.
func (n Node) ChildAt(i int) Node {
	return Node{t: n.t, off: n.t.seg.ListGet(n.off+nodeOffChildren, i)}
}

// Child finds a direct child by case-folded name comparison.
func (n Node) Child(name string) Node {
	count := n.ChildCount()
	for i := 0; i < count; i++ {
		child := n.ChildAt(i)
		if data.EqualFold(child.Name(), name) {
			return child
		}
	}
	return Node{}
}

// RealPaths returns the node's real path list. Files carry exactly one
// entry; directories carry the ordered source stack.
func (n Node) RealPaths() []string {
	count := n.t.seg.ListLen(n.off + nodeOffReals)
	if count == 0 {
		return nil
	}

	paths := make([]string, count)
	for i := 0; i < count; i++ {
		paths[i] = n.t.seg.String(n.t.seg.ListGet(n.off+nodeOffReals, i))
	}
	return paths
}

// RealPath returns the file's backing path, or the empty string for nodes
// without one.
func (n Node) RealPath() string {
	if n.t.seg.ListLen(n.off+nodeOffReals) == 0 {
		return ""
	}
	return n.t.seg.String(n.t.seg.ListGet(n.off+nodeOffReals, 0))
}

// SetRealPath replaces a file node's backing path.
func (n Node) SetRealPath(realPath string) error {
	n.clearReals()
	off, err := n.t.seg.PutString(realPath)
	if err != nil {
		return err
	}
	return n.t.seg.ListAppend(n.off+nodeOffReals, off)
}

// AppendRealPath adds a source path to a directory's stack. Duplicates
// collapse (case-insensitive).
func (n Node) AppendRealPath(realPath string) error {
	count := n.t.seg.ListLen(n.off + nodeOffReals)
	for i := 0; i < count; i++ {
		existing := n.t.seg.String(n.t.seg.ListGet(n.off+nodeOffReals, i))
		if data.EqualFold(existing, realPath) {
			return nil
		}
	}

	off, err := n.t.seg.PutString(realPath)
	if err != nil {
		return err
	}
	return n.t.seg.ListAppend(n.off+nodeOffReals, off)
}

func (n Node) clearReals() {
	seg := n.t.seg
	seg.ListClear(n.off+nodeOffReals, func(strOff uint32) {
		seg.FreeString(strOff)
	})
}

// newNode allocates a record and links it under parent.
func (t *Tree) newNode(parent Node, name string, kind Kind, flags Flags) (Node, error) {
	off, err := t.seg.Alloc(nodeSize)
	if err != nil {
		return Node{}, err
	}

	nameOff, err := t.seg.PutString(name)
	if err != nil {
		t.seg.Free(off)
		return Node{}, err
	}

	t.seg.PutU32(off+nodeOffName, nameOff)
	t.seg.PutU32(off+nodeOffParent, parent.off)
	t.seg.PutU8(off+nodeOffKind, uint8(kind))
	t.seg.PutU8(off+nodeOffFlags, uint8(flags))

	node := Node{t: t, off: off}
	if parent.Valid() {
		if err := t.seg.ListAppend(parent.off+nodeOffChildren, off); err != nil {
			node.free()
			return Node{}, err
		}
	}

	return node, nil
}

// free releases the node's allocations, children first.
func (n Node) free() {
	seg := n.t.seg

	count := n.ChildCount()
	for i := 0; i < count; i++ {
		n.ChildAt(i).free()
	}
	seg.ListClear(n.off+nodeOffChildren, nil)

	n.clearReals()
	seg.FreeString(seg.U32(n.off + nodeOffName))
	seg.Free(n.off)
}
