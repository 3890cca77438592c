package redirect

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/tree"
)

// handleRegistry maps open host handles back to the paths the shim opened
// them with. Strictly per-process: handles are process-local and must
// never leak into shared memory.
type handleRegistry struct {
	mu      sync.Mutex
	entries *btree.Map[uint64, handleEntry]
}

type handleEntry struct {
	realPath    string
	virtualPath string
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{
		entries: btree.NewMap[uint64, handleEntry](0),
	}
}

// ObserveOpen records a handle the shim just opened so later handle-based
// calls can recover both paths.
func (e *Engine) ObserveOpen(realPath, virtualPath string, handle uint64) {
	e.handles.mu.Lock()
	defer e.handles.mu.Unlock()
	e.handles.entries.Set(handle, handleEntry{realPath: realPath, virtualPath: virtualPath})
}

// ObserveClose forgets a handle.
func (e *Engine) ObserveClose(handle uint64) {
	e.handles.mu.Lock()
	defer e.handles.mu.Unlock()
	e.handles.entries.Delete(handle)
}

// LookupHandle recovers the paths behind an open handle.
func (e *Engine) LookupHandle(handle uint64) (realPath, virtualPath string, ok bool) {
	e.handles.mu.Lock()
	defer e.handles.mu.Unlock()

	entry, ok := e.handles.entries.Get(handle)
	if !ok {
		return "", "", false
	}
	return entry.realPath, entry.virtualPath, true
}

// LookupByReal answers the inverse query for handle-based entry points
// that only know a real path.
func (e *Engine) LookupByReal(realPath string) ([]string, error) {
	guard, err := e.ctx.ReadAccess()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	return guard.Inverse().LookupByReal(realPath), nil
}

// ObserveDelete records a successful delete: the resolved backing goes
// into the deletion tracker (round-trip allows undelete) and the node is
// tombstoned. One guard covers both so no reader sees the halfway state.
func (e *Engine) ObserveDelete(virtualPath string) error {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return err
	}

	guard, err := e.ctx.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	realPath := ""
	node, state := guard.Tree().Lookup(canonical)
	switch {
	case state == tree.Found && node.Kind() == tree.KindFile:
		realPath = node.RealPath()
	case state == tree.Absent:
		// No node: the backing, if any, comes from a layered source.
		realPath, _ = e.resolveThroughStack(&guard.ReadGuard, canonical)
	}

	if err := guard.AddDeletedFile(canonical, realPath); err != nil {
		return err
	}
	if _, err := guard.RemoveNode(canonical); err != nil {
		return err
	}

	e.logger.Debug("deleted %s (was %s)", canonical, realPath)
	return nil
}

// ObserveRename applies a rename as one atomic delete-plus-add under a
// single write guard.
func (e *Engine) ObserveRename(fromPath, toPath string) error {
	guard, err := e.ctx.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := guard.Rename(fromPath, toPath); err != nil {
		return err
	}

	// The destination is live again even if it was virtually deleted.
	if canonical, err := data.Canonicalize(toPath); err == nil {
		guard.ForgetDeletedFile(canonical)
	}

	e.logger.Debug("renamed %s -> %s", fromPath, toPath)
	return nil
}

// ObserveCreate records a file the shim just created on the chosen real
// target, replacing any tombstone or stale deletion entry.
func (e *Engine) ObserveCreate(virtualPath, realPath string) error {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return err
	}

	guard, err := e.ctx.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	guard.ForgetDeletedFile(canonical)

	if _, err := guard.AddFile(canonical, realPath, tree.FlagFromOverlay); err != nil {
		return err
	}

	e.logger.Debug("created %s -> %s", canonical, realPath)
	return nil
}

// ShouldInject reports whether a child launch gets virtualized: it does
// unless the blacklist suppresses it. Suppression never fails the launch.
func (e *Engine) ShouldInject(appName, commandLine string) bool {
	blacklisted, err := e.ctx.ExecutableBlacklisted(appName, commandLine)
	if err != nil {
		e.logger.Warn("blacklist check failed, injecting anyway: %v", err)
		return true
	}
	return !blacklisted
}
