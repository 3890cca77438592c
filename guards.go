package usvfs

import (
	"strings"

	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/tree"
)

// ReadGuard holds the instance mutex and exposes read-only access to the
// trees and shared parameters. Release on every exit path.
type ReadGuard struct {
	ctx      *HookContext
	released bool
}

// Release drops the mutex. Safe to call more than once.
func (g *ReadGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.ctx.mutex.Unlock()
}

// Tree returns the virtual tree. Valid only while the guard is held.
func (g *ReadGuard) Tree() *tree.Tree {
	return g.ctx.vtree
}

// Inverse returns the inverse index. Valid only while the guard is held.
func (g *ReadGuard) Inverse() *tree.InverseTree {
	return g.ctx.inverse
}

// Parameters returns the shared parameters record.
func (g *ReadGuard) Parameters() *SharedParameters {
	return g.ctx.shared
}

// RegisteredProcesses lists the pids attached to the instance.
func (g *ReadGuard) RegisteredProcesses() []uint32 {
	return g.ctx.shared.processes()
}

// ExecutableBlacklisted reports whether a process launch must not be
// virtualized. The application name matches any blacklist item as a
// case-insensitive suffix; the command line matches as a case-insensitive
// substring. Either match blacklists the launch.
func (g *ReadGuard) ExecutableBlacklisted(appName, commandLine string) bool {
	items := g.ctx.shared.blacklistItems()

	if appName != "" {
		folded := data.Fold(appName)
		for _, item := range items {
			if strings.HasSuffix(folded, data.Fold(item)) {
				g.ctx.logger.Info("application %s is blacklisted", appName)
				return true
			}
		}
	}

	if commandLine != "" {
		folded := data.Fold(commandLine)
		for _, item := range items {
			if strings.Contains(folded, data.Fold(item)) {
				g.ctx.logger.Info("command line %s is blacklisted", commandLine)
				return true
			}
		}
	}

	return false
}

// LibrariesToForceLoad returns the library paths registered for the
// process name, matched case-insensitively and exactly.
func (g *ReadGuard) LibrariesToForceLoad(processName string) []string {
	p := g.ctx.shared
	hdr := p.forcedLibsHdr()

	var libs []string
	count := p.seg.ListLen(hdr)
	for i := 0; i < count; i++ {
		entry := p.seg.ListGet(hdr, i)
		if data.EqualFold(p.seg.String(p.seg.U32(entry+pairOffFrom)), processName) {
			libs = append(libs, p.seg.String(p.seg.U32(entry+pairOffTo)))
		}
	}
	return libs
}

// trackerKey normalizes a tracker key: both trackers are keyed by
// canonical virtual path, whatever spelling the caller hands in.
func trackerKey(virtualPath string) string {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return virtualPath
	}
	return canonical
}

// Deleted-file tracker reads.

func (g *ReadGuard) ExistsDeletedFile(virtualPath string) bool {
	_, entry := g.ctx.shared.pairFind(g.ctx.shared.deletedFilesHdr(), trackerKey(virtualPath))
	return entry != 0
}

func (g *ReadGuard) LookupDeletedFile(virtualPath string) string {
	return g.ctx.shared.pairLookup(g.ctx.shared.deletedFilesHdr(), trackerKey(virtualPath))
}

// Fake-directory tracker reads.

func (g *ReadGuard) ExistsFakeDirectory(virtualPath string) bool {
	_, entry := g.ctx.shared.pairFind(g.ctx.shared.fakeDirsHdr(), trackerKey(virtualPath))
	return entry != 0
}

func (g *ReadGuard) LookupFakeDirectory(virtualPath string) string {
	return g.ctx.shared.pairLookup(g.ctx.shared.fakeDirsHdr(), trackerKey(virtualPath))
}

// FakeDirectories lists every tracked fake directory as (virtual, real)
// pairs, enumeration support for synthesized listings.
func (g *ReadGuard) FakeDirectories() [][2]string {
	p := g.ctx.shared
	hdr := p.fakeDirsHdr()

	count := p.seg.ListLen(hdr)
	pairs := make([][2]string, count)
	for i := 0; i < count; i++ {
		entry := p.seg.ListGet(hdr, i)
		pairs[i] = [2]string{
			p.seg.String(p.seg.U32(entry + pairOffFrom)),
			p.seg.String(p.seg.U32(entry + pairOffTo)),
		}
	}
	return pairs
}

// WriteGuard is a ReadGuard with mutation rights. Tree mutations keep the
// inverse index in step; callers never update it directly.
type WriteGuard struct {
	ReadGuard
}

// AddFile installs or updates a file leaf and its inverse mapping.
func (g *WriteGuard) AddFile(virtualPath, realPath string, flags tree.Flags) (tree.Node, error) {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return tree.Node{}, err
	}

	if node, state := g.ctx.vtree.Lookup(canonical); state == tree.Found && node.Kind() == tree.KindFile {
		g.ctx.inverse.RemoveMapping(node.RealPath(), canonical)
	}

	node, err := g.ctx.vtree.AddFile(canonical, realPath, flags)
	if err != nil {
		return tree.Node{}, err
	}

	if err := g.ctx.inverse.AddMapping(realPath, canonical); err != nil {
		return tree.Node{}, err
	}
	return node, nil
}

// AddDirectory layers source paths onto a directory node.
func (g *WriteGuard) AddDirectory(virtualPath string, realPaths []string, flags tree.Flags) (tree.Node, error) {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return tree.Node{}, err
	}
	return g.ctx.vtree.AddDirectory(canonical, realPaths, flags)
}

// RemoveNode tombstones a file or prunes a directory, dropping the
// affected inverse mappings first.
func (g *WriteGuard) RemoveNode(virtualPath string) (bool, error) {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return false, err
	}

	node, state := g.ctx.vtree.Lookup(canonical)
	if state != tree.Found {
		return false, nil
	}

	g.dropInverseMappings(node, canonical)

	_, removed := g.ctx.vtree.Remove(canonical)
	return removed, nil
}

// Rename moves a leaf: delete at source plus add at destination, one
// guard, one atomic step as seen by other processes. Directories carry
// their source stack; their virtual children are re-rooted by the
// subtree move.
func (g *WriteGuard) Rename(fromPath, toPath string) error {
	from, err := data.Canonicalize(fromPath)
	if err != nil {
		return err
	}
	to, err := data.Canonicalize(toPath)
	if err != nil {
		return err
	}

	node, state := g.ctx.vtree.Lookup(from)
	if state != tree.Found {
		return ErrAbsent
	}

	if node.Kind() == tree.KindDirectory {
		moved, err := g.ctx.vtree.AddDirectory(to, node.RealPaths(), node.Flags())
		if err != nil {
			return err
		}
		if err := g.moveChildren(node, moved, to); err != nil {
			return err
		}
		g.dropInverseMappings(node, from)
		g.ctx.vtree.Remove(from)
		return nil
	}

	realPath := node.RealPath()
	g.ctx.inverse.RemoveMapping(realPath, from)
	g.ctx.vtree.Remove(from)

	if _, err := g.ctx.vtree.AddFile(to, realPath, node.Flags()); err != nil {
		return err
	}
	return g.ctx.inverse.AddMapping(realPath, to)
}

func (g *WriteGuard) moveChildren(src, dst tree.Node, dstPath string) error {
	count := src.ChildCount()
	for i := 0; i < count; i++ {
		child := src.ChildAt(i)
		childPath := data.Join(dstPath, child.Name())

		switch child.Kind() {
		case tree.KindFile:
			if _, err := g.ctx.vtree.AddFile(childPath, child.RealPath(), child.Flags()); err != nil {
				return err
			}
			if err := g.ctx.inverse.AddMapping(child.RealPath(), childPath); err != nil {
				return err
			}
		case tree.KindDirectory:
			moved, err := g.ctx.vtree.AddDirectory(childPath, child.RealPaths(), child.Flags())
			if err != nil {
				return err
			}
			if err := g.moveChildren(child, moved, childPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropInverseMappings removes every (real, virtual) pair rooted at node.
func (g *WriteGuard) dropInverseMappings(node tree.Node, virtualPath string) {
	if node.Kind() == tree.KindFile {
		g.ctx.inverse.RemoveMapping(node.RealPath(), virtualPath)
		return
	}

	count := node.ChildCount()
	for i := 0; i < count; i++ {
		child := node.ChildAt(i)
		g.dropInverseMappings(child, data.Join(virtualPath, child.Name()))
	}
}

// Process registry writes.

func (g *WriteGuard) RegisterProcess(pid uint32) error {
	return g.ctx.shared.registerProcess(pid)
}

func (g *WriteGuard) UnregisterProcess(pid uint32) {
	g.ctx.shared.unregisterProcess(pid)
}

// Blacklist writes.

func (g *WriteGuard) BlacklistExecutable(item string) error {
	return g.ctx.shared.addBlacklist(item)
}

func (g *WriteGuard) ClearBlacklist() {
	g.ctx.shared.clearBlacklist()
}

// Forced-library writes.

func (g *WriteGuard) ForceLoadLibrary(processName, libraryPath string) error {
	return g.ctx.shared.pairAdd(g.ctx.shared.forcedLibsHdr(),
		data.TruncateParameter(processName), data.TruncateParameter(libraryPath))
}

func (g *WriteGuard) ClearForcedLibraries() {
	g.ctx.shared.pairClear(g.ctx.shared.forcedLibsHdr())
}

// Deleted-file tracker writes. The stored pair allows round-tripping a
// virtual delete back into an undelete.

func (g *WriteGuard) AddDeletedFile(virtualPath, realPath string) error {
	key := trackerKey(virtualPath)
	g.ctx.shared.pairForget(g.ctx.shared.deletedFilesHdr(), key)
	return g.ctx.shared.pairAdd(g.ctx.shared.deletedFilesHdr(), key, realPath)
}

func (g *WriteGuard) ForgetDeletedFile(virtualPath string) bool {
	return g.ctx.shared.pairForget(g.ctx.shared.deletedFilesHdr(), trackerKey(virtualPath))
}

// Fake-directory tracker writes.

func (g *WriteGuard) AddFakeDirectory(virtualPath, realPath string) error {
	key := trackerKey(virtualPath)
	g.ctx.shared.pairForget(g.ctx.shared.fakeDirsHdr(), key)
	return g.ctx.shared.pairAdd(g.ctx.shared.fakeDirsHdr(), key, realPath)
}

func (g *WriteGuard) ForgetFakeDirectory(virtualPath string) bool {
	return g.ctx.shared.pairForget(g.ctx.shared.fakeDirsHdr(), trackerKey(virtualPath))
}
