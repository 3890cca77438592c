// Package redirect implements the path redirection engine: the stateless
// query layer the API shims call to turn a virtual path into a real one,
// a synthesized absence, or a merged directory listing. It owns no shared
// state; every query runs under a guard taken from the hook context.
package redirect

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/frames/usvfs"
	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/log"
	"github.com/frames/usvfs/tree"
)

// Op classifies the intercepted operation for resolution purposes.
type Op int

const (
	OpOpenExisting Op = iota
	OpCreateNew
	OpOpenOrCreate
	OpEnumerate
	OpDelete
	OpRename
)

func (op Op) creates() bool {
	return op == OpCreateNew || op == OpOpenOrCreate
}

// State classifies a resolution outcome.
type State int

const (
	// StateReal: RealPath is the concrete host path to forward to.
	StateReal State = iota
	// StateAbsent: the virtual path resolves to nothing; the shim
	// reports not-found.
	StateAbsent
	// StateDirectory: the path names a directory node; enumeration and
	// create-in-directory route through their own entry points.
	StateDirectory
	// StateMissingBacking: the tree records a real path that no longer
	// exists on disk. Distinct from StateAbsent.
	StateMissingBacking
)

// Resolution is the engine's answer for one virtual path.
type Resolution struct {
	State    State
	RealPath string
	// Created reports that RealPath was chosen by the writable-overlay
	// policy and does not exist yet.
	Created bool
}

// Engine translates virtual paths against the hook context's trees. The
// host filesystem is reached through afero so tests run against an
// in-memory host.
type Engine struct {
	ctx    *usvfs.HookContext
	fsys   afero.Fs
	logger *log.Logger

	handles *handleRegistry
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFilesystem substitutes the host filesystem, used by tests.
func WithFilesystem(fsys afero.Fs) EngineOption {
	return func(e *Engine) {
		e.fsys = fsys
	}
}

// New builds an engine over the attached context.
func New(ctx *usvfs.HookContext, opts ...EngineOption) *Engine {
	e := &Engine{
		ctx:     ctx,
		fsys:    afero.NewOsFs(),
		logger:  ctx.Logger().Named("redirect"),
		handles: newHandleRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve maps a virtual path to its resolution for the given operation.
// Canonicalization failure surfaces as ErrInvalidPath; the shim then
// passes the raw call through to the host unmodified.
func (e *Engine) Resolve(virtualPath string, op Op) (Resolution, error) {
	canonical, err := data.Canonicalize(virtualPath)
	if err != nil {
		return Resolution{}, err
	}

	if op.creates() {
		return e.resolveForWrite(canonical)
	}
	return e.resolveForRead(canonical, op)
}

func (e *Engine) resolveForRead(canonical string, op Op) (Resolution, error) {
	guard, err := e.ctx.ReadAccess()
	if err != nil {
		return Resolution{}, err
	}
	defer guard.Release()

	// A virtually deleted path is absent no matter what the tree or the
	// host say.
	if guard.ExistsDeletedFile(canonical) {
		return Resolution{State: StateAbsent}, nil
	}

	node, state := guard.Tree().Lookup(canonical)
	switch state {
	case tree.Found:
		if node.Kind() == tree.KindDirectory {
			res := Resolution{State: StateDirectory}
			if reals := node.RealPaths(); len(reals) > 0 {
				res.RealPath = reals[len(reals)-1]
			}
			return res, nil
		}

		realPath := node.RealPath()
		exists, _ := afero.Exists(e.fsys, realPath)
		if !exists {
			e.logger.Warn("backing missing for %s: %s", canonical, realPath)
			return Resolution{State: StateMissingBacking, RealPath: realPath}, nil
		}
		return Resolution{State: StateReal, RealPath: realPath}, nil

	case tree.Tombstoned:
		return Resolution{State: StateAbsent}, nil
	}

	// No node: a layered ancestor may still back the suffix.
	if realPath, ok := e.resolveThroughStack(guard, canonical); ok {
		return Resolution{State: StateReal, RealPath: realPath}, nil
	}

	// A tracked fake directory satisfies open-existing against its
	// projection.
	if op == OpOpenExisting || op == OpEnumerate {
		if projected := guard.LookupFakeDirectory(canonical); projected != "" {
			return Resolution{State: StateDirectory, RealPath: projected}, nil
		}
	}

	return Resolution{State: StateAbsent}, nil
}

func (e *Engine) resolveForWrite(canonical string) (Resolution, error) {
	guard, err := e.ctx.WriteAccess()
	if err != nil {
		return Resolution{}, err
	}
	defer guard.Release()

	// A create over a virtual delete revives the path.
	if guard.ExistsDeletedFile(canonical) {
		guard.ForgetDeletedFile(canonical)
	}

	node, state := guard.Tree().Lookup(canonical)
	switch state {
	case tree.Found:
		if node.Kind() == tree.KindDirectory {
			return Resolution{State: StateDirectory}, nil
		}
		return e.materializeCopy(guard, canonical, node)

	case tree.Tombstoned:
		return e.createTarget(guard, canonical)
	}

	// An existing file reachable through the stack is opened for write
	// via copy-on-write as well.
	if realPath, ok := e.resolveThroughStack(&guard.ReadGuard, canonical); ok {
		return e.materializeCopyOf(guard, canonical, realPath)
	}

	return e.createTarget(guard, canonical)
}

// resolveThroughStack walks toward the root looking for the deepest
// directory node whose source stack can back the uncovered suffix. Stack
// order: deepest-layered source first, first hit wins.
func (e *Engine) resolveThroughStack(guard *usvfs.ReadGuard, canonical string) (string, bool) {
	components := data.Split(canonical)

	for depth := len(components) - 1; depth >= 0; depth-- {
		prefix := "/" + joinComponents(components[:depth])
		node, state := guard.Tree().Lookup(prefix)
		if state != tree.Found || node.Kind() != tree.KindDirectory {
			continue
		}

		reals := node.RealPaths()
		if len(reals) == 0 {
			continue
		}

		suffix := filepath.Join(components[depth:]...)
		for i := len(reals) - 1; i >= 0; i-- {
			candidate := filepath.Join(reals[i], suffix)
			if exists, _ := afero.Exists(e.fsys, candidate); exists {
				return candidate, true
			}
		}

		// The deepest stacked directory decides; higher prefixes are
		// shadowed by it.
		return "", false
	}

	return "", false
}

// materializeCopy rewires an overlay-backed file for writing: the backing
// is copied into the writable overlay, the node is repointed, and the new
// path is returned.
func (e *Engine) materializeCopy(guard *usvfs.WriteGuard, canonical string, node tree.Node) (Resolution, error) {
	realPath := node.RealPath()

	overlay := guard.Parameters().OverlayPath()
	if overlay == "" {
		return Resolution{}, usvfs.ErrNoOverlay
	}
	if insideOverlay(realPath, overlay) {
		// Already writable; nothing to copy.
		return Resolution{State: StateReal, RealPath: realPath}, nil
	}

	target := filepath.Join(overlay, uuid.NewString()[:8]+"_"+node.Name())
	if err := e.copyFile(realPath, target); err != nil {
		return Resolution{}, fmt.Errorf("%w: %s", usvfs.ErrBackingMissing, realPath)
	}

	if _, err := guard.AddFile(canonical, target, node.Flags()|tree.FlagFromOverlay); err != nil {
		return Resolution{}, err
	}

	e.logger.Debug("copy-on-write %s -> %s", realPath, target)
	return Resolution{State: StateReal, RealPath: target}, nil
}

// materializeCopyOf is materializeCopy for a stack hit that has no node
// yet: the copy is installed as a new overlay-backed leaf.
func (e *Engine) materializeCopyOf(guard *usvfs.WriteGuard, canonical, realPath string) (Resolution, error) {
	overlay := guard.Parameters().OverlayPath()
	if overlay == "" {
		return Resolution{}, usvfs.ErrNoOverlay
	}

	target := filepath.Join(overlay, uuid.NewString()[:8]+"_"+filepath.Base(canonical))
	if err := e.copyFile(realPath, target); err != nil {
		return Resolution{}, fmt.Errorf("%w: %s", usvfs.ErrBackingMissing, realPath)
	}

	if _, err := guard.AddFile(canonical, target, tree.FlagFromOverlay); err != nil {
		return Resolution{}, err
	}

	e.logger.Debug("copy-on-write %s -> %s", realPath, target)
	return Resolution{State: StateReal, RealPath: target}, nil
}

// createTarget picks the real path a brand-new file lands on: the virtual
// path mirrored under the writable overlay.
func (e *Engine) createTarget(guard *usvfs.WriteGuard, canonical string) (Resolution, error) {
	overlay := guard.Parameters().OverlayPath()
	if overlay == "" {
		return Resolution{}, usvfs.ErrNoOverlay
	}

	target := filepath.Join(overlay, filepath.FromSlash(canonical[1:]))
	if err := e.fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Resolution{}, err
	}

	return Resolution{State: StateReal, RealPath: target, Created: true}, nil
}

func (e *Engine) copyFile(from, to string) error {
	src, err := e.fsys.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := e.fsys.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}

	dst, err := e.fsys.Create(to)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func insideOverlay(realPath, overlay string) bool {
	rel, err := filepath.Rel(overlay, realPath)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func joinComponents(components []string) string {
	path := ""
	for i, c := range components {
		if i > 0 {
			path += "/"
		}
		path += c
	}
	return path
}
