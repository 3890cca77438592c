package redirect

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/frames/usvfs"
	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/tree"
)

// Enumerate synthesizes the directory listing for virtualPath: the tree's
// merged view, minus virtually deleted names, plus tracked fake
// directories parented here, plus the projection of virtualPath itself if
// it is a fake directory.
func (e *Engine) Enumerate(virtualPath string) ([]tree.Entry, error) {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return nil, err
	}

	guard, err := e.ctx.ReadAccess()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	if guard.ExistsDeletedFile(canonical) {
		return nil, usvfs.ErrAbsent
	}

	entries, err := guard.Tree().Enumerate(e.fsys, canonical)
	if err != nil {
		// A fake directory enumerates even without a tree node.
		if projected := guard.LookupFakeDirectory(canonical); projected != "" {
			entries = nil
		} else {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(entries))
	merged := entries[:0]
	for _, entry := range entries {
		childPath := data.Join(canonical, entry.Name)
		if guard.ExistsDeletedFile(childPath) {
			continue
		}
		seen[data.Fold(entry.Name)] = struct{}{}
		merged = append(merged, entry)
	}

	// Fake directories surface in their parent's listing.
	for _, pair := range guard.FakeDirectories() {
		from, projected := pair[0], pair[1]
		parent, name := splitVirtual(from)
		if !data.EqualFold(parent, canonical) || name == "" {
			continue
		}
		if _, dup := seen[data.Fold(name)]; dup {
			continue
		}
		seen[data.Fold(name)] = struct{}{}
		merged = append(merged, tree.Entry{Name: name, Dir: true, RealPath: projected, Virtual: true})
	}

	// The projection of a fake directory contributes its real children.
	if projected := guard.LookupFakeDirectory(canonical); projected != "" {
		infos, err := afero.ReadDir(e.fsys, projected)
		if err == nil {
			for _, info := range infos {
				if _, dup := seen[data.Fold(info.Name())]; dup {
					continue
				}
				seen[data.Fold(info.Name())] = struct{}{}
				merged = append(merged, tree.Entry{
					Name:     info.Name(),
					Dir:      info.IsDir(),
					RealPath: filepath.Join(projected, info.Name()),
				})
			}
		}
	}

	return merged, nil
}

func splitVirtual(canonical string) (parent, name string) {
	i := strings.LastIndexByte(canonical, '/')
	if i < 0 {
		return "", ""
	}
	parent = canonical[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, canonical[i+1:]
}
