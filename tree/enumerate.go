package tree

import (
	"path/filepath"

	"github.com/frames/usvfs/data"
	"github.com/spf13/afero"
)

// Entry is one name produced by Enumerate.
type Entry struct {
	// Name with original case, as stored or as the host reports it.
	Name string
	// Dir reports whether the entry is a directory.
	Dir bool
	// RealPath is the host path backing the entry, empty for purely
	// virtual directories.
	RealPath string
	// Virtual reports whether the entry came from the tree rather than
	// from a source directory on disk.
	Virtual bool
}

// Enumerate produces the merged listing of the directory at virtualPath:
// tree children in insertion order first, then the real children of every
// source path in stack order as the host reports them. Names collide
// case-insensitively, first wins. Tombstoned names are omitted and mask
// same-named real entries.
func (t *Tree) Enumerate(fsys afero.Fs, virtualPath string) ([]Entry, error) {
	node, state := t.Lookup(virtualPath)
	if state != Found {
		return nil, ErrAbsent
	}
	if node.Kind() != KindDirectory {
		return nil, ErrNotDirectory
	}

	entries := make([]Entry, 0, 16)
	seen := make(map[string]struct{})

	if node.Flags()&FlagPruned != 0 {
		return entries, nil
	}

	count := node.ChildCount()
	for i := 0; i < count; i++ {
		child := node.ChildAt(i)
		folded := data.Fold(child.Name())

		if child.Kind() == KindTombstone {
			// Mask any real entry of the same name.
			seen[folded] = struct{}{}
			continue
		}

		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}

		entries = append(entries, Entry{
			Name:     child.Name(),
			Dir:      child.Kind() == KindDirectory,
			RealPath: child.RealPath(),
			Virtual:  true,
		})
	}

	// Source stacks resolve top-down: the deepest-layered source wins
	// name collisions, matching single-file resolution.
	reals := node.RealPaths()
	for i := len(reals) - 1; i >= 0; i-- {
		realRoot := reals[i]
		infos, err := afero.ReadDir(fsys, realRoot)
		if err != nil {
			// A vanished source directory contributes nothing; the
			// remaining stack still enumerates.
			continue
		}

		for _, info := range infos {
			folded := data.Fold(info.Name())
			if _, dup := seen[folded]; dup {
				continue
			}
			seen[folded] = struct{}{}

			entries = append(entries, Entry{
				Name:     info.Name(),
				Dir:      info.IsDir(),
				RealPath: filepath.Join(realRoot, info.Name()),
			})
		}
	}

	return entries, nil
}
