package usvfs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/log"
	"github.com/frames/usvfs/shm"
	"github.com/frames/usvfs/tree"
)

// HookContext is the per-process handle on a virtual filesystem instance.
// It owns the process's mappings of the three named segments, the handle
// on the instance mutex, and the per-process state (logger, delayed
// results) that must never live in shared memory.
type HookContext struct {
	seed   data.Parameters
	cfg    *shm.Segment
	shared *SharedParameters

	treeSeg *shm.Segment
	invSeg  *shm.Segment
	vtree   *tree.Tree
	inverse *tree.InverseTree

	mutex  *shm.Mutex
	logger *log.Logger

	// contextID is a per-attach identifier exposed through ContextID. The
	// logger does not add it to log lines.
	contextID string
	pid       uint32

	mu       sync.Mutex
	detached bool
	delayed  []<-chan int
}

// The process-wide context. The original asserted a singleton at
// construction; here Attach registers it explicitly and a second Attach
// fails loudly.
var (
	currentMu sync.Mutex
	current   *HookContext
)

// ContextOption configures an attach.
type ContextOption func(*contextOptions)

type contextOptions struct {
	logFile string
	logJSON bool
	quiet   bool
}

// WithLogFile routes the process's log through a rotated file in addition
// to the terminal.
func WithLogFile(path string) ContextOption {
	return func(o *contextOptions) {
		o.logFile = path
	}
}

// WithJSONLog switches log output to one JSON object per line.
func WithJSONLog() ContextOption {
	return func(o *contextOptions) {
		o.logJSON = true
	}
}

// WithQuietLog suppresses terminal output.
func WithQuietLog() ContextOption {
	return func(o *contextOptions) {
		o.quiet = true
	}
}

// Attach joins this process to the instance named by the seed, creating
// the instance on first attach. At most one context may exist per
// process; a second Attach fails with ErrDuplicateAttach.
func Attach(seed data.Parameters, opts ...ContextOption) (*HookContext, error) {
	currentMu.Lock()
	defer currentMu.Unlock()

	if current != nil {
		return nil, ErrDuplicateAttach
	}

	ctx, err := attach(seed, opts...)
	if err != nil {
		return nil, err
	}

	current = ctx
	return ctx, nil
}

// Current returns the process's attached context, nil if none.
func Current() *HookContext {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// attach does the real work without touching the process-wide slot. Tests
// use it to simulate multiple attached processes.
func attach(seed data.Parameters, opts ...ContextOption) (*HookContext, error) {
	options := &contextOptions{}
	for _, opt := range opts {
		opt(options)
	}

	seed = seed.Truncated()
	if seed.InstanceName == "" {
		return nil, fmt.Errorf("%w: empty instance name", ErrInvalidPath)
	}
	if seed.SHMName == "" {
		seed.SHMName = seed.InstanceName + "_tree"
	}
	if seed.InverseSHMName == "" {
		seed.InverseSHMName = seed.InstanceName + "_inverse"
	}

	level := log.FromShared(seed.LogLevel)
	if seed.DebugMode {
		level = log.Debug
	}
	logger := log.NewLogger("usvfs", level, options.logFile, options.quiet)
	if options.quiet && options.logFile == "" {
		// Nothing to route to besides the terminal: stay silent.
		logger = log.Discard()
	}
	logger.JSON = options.logJSON

	mutex, err := shm.OpenMutex(seed.InstanceName)
	if err != nil {
		return nil, err
	}

	ctx := &HookContext{
		seed:      seed,
		mutex:     mutex,
		logger:    logger,
		contextID: uuid.NewString(),
		pid:       uint32(os.Getpid()),
	}

	if err := mutex.Lock(shm.LockTimeout); err != nil {
		mutex.Close()
		return nil, err
	}

	if err := ctx.openSegments(); err != nil {
		mutex.Unlock()
		err = errors.Join(err, ctx.closeSegments(), mutex.Close())
		return nil, err
	}

	users := ctx.shared.incUserCount()
	mutex.Unlock()
	logger.Debug("context current shm: %s (now %d connections)", ctx.shared.SHMName(), users)

	return ctx, nil
}

// openSegments maps the configuration segment, resolves the parameters
// record, and maps both tree segments under whatever names the record
// publishes. Caller holds the mutex.
func (c *HookContext) openSegments() error {
	cfg, err := shm.OpenOrCreate(c.seed.InstanceName, shm.ConfigSegmentSize)
	if err != nil {
		return err
	}
	c.cfg = cfg

	off, created, err := cfg.FindOrCreate("parameters", sharedParametersSize)
	if err != nil {
		return err
	}
	c.shared = &SharedParameters{seg: cfg, off: off}

	if created {
		c.logger.Info("create config in %d", c.pid)
		if err := c.shared.initFrom(c.seed); err != nil {
			return err
		}
	} else {
		c.logger.Info("access existing config in %d", c.pid)
	}

	if c.treeSeg, err = shm.OpenOrCreate(c.shared.SHMName(), shm.TreeSegmentSize); err != nil {
		return err
	}
	if c.vtree, err = tree.New(c.treeSeg); err != nil {
		return err
	}

	if c.invSeg, err = shm.OpenOrCreate(c.shared.InverseSHMName(), shm.TreeSegmentSize); err != nil {
		return err
	}
	if c.inverse, err = tree.NewInverse(c.invSeg); err != nil {
		return err
	}

	return nil
}

// closeSegments unmaps every held segment, collecting the failures so a
// partial teardown still releases everything it can.
func (c *HookContext) closeSegments() error {
	var errs []error
	if c.treeSeg != nil {
		errs = append(errs, c.treeSeg.Close())
		c.treeSeg = nil
	}
	if c.invSeg != nil {
		errs = append(errs, c.invSeg.Close())
		c.invSeg = nil
	}
	if c.cfg != nil {
		errs = append(errs, c.cfg.Close())
		c.cfg = nil
	}
	return errors.Join(errs...)
}

// Detach leaves the instance. The last process out unlinks all three
// segments and the mutex.
func (c *HookContext) Detach() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return ErrDetached
	}
	c.mu.Unlock()

	c.logger.Info("releasing hook context")

	if err := c.mutex.Lock(shm.LockTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
	users := c.shared.decUserCount()
	shmName := c.shared.SHMName()
	invName := c.shared.InverseSHMName()
	c.mutex.Unlock()

	errs := []error{c.closeSegments(), c.mutex.Close()}

	if users == 0 {
		c.logger.Info("removing instance %s", c.seed.InstanceName)
		errs = append(errs,
			shm.Remove(shmName),
			shm.Remove(invName),
			shm.Remove(c.seed.InstanceName),
			shm.RemoveMutex(c.seed.InstanceName),
		)
	} else {
		c.logger.Info("%d users left", users)
	}

	currentMu.Lock()
	if current == c {
		current = nil
	}
	currentMu.Unlock()

	return errors.Join(errs...)
}

// ReadAccess acquires the instance mutex and returns a guard exposing
// read-only access to trees and parameters. The wait is bounded; expiry
// is logged and surfaces as ErrLockTimeout with no guard granted.
func (c *HookContext) ReadAccess() (*ReadGuard, error) {
	if err := c.guardable(); err != nil {
		return nil, err
	}

	if err := c.mutex.Lock(shm.LockTimeout); err != nil {
		c.logger.Warn("read access: %v", err)
		return nil, err
	}

	if err := c.refreshTrees(); err != nil {
		c.mutex.Unlock()
		return nil, err
	}
	return &ReadGuard{ctx: c}, nil
}

// WriteAccess is ReadAccess with mutation rights. One named mutex backs
// both guard kinds today; the contract admits a shared/exclusive upgrade
// without changing callers.
func (c *HookContext) WriteAccess() (*WriteGuard, error) {
	if err := c.guardable(); err != nil {
		return nil, err
	}

	if err := c.mutex.Lock(shm.LockTimeout); err != nil {
		c.logger.Warn("write access: %v", err)
		return nil, err
	}

	if err := c.refreshTrees(); err != nil {
		c.mutex.Unlock()
		return nil, err
	}
	return &WriteGuard{ReadGuard{ctx: c}}, nil
}

func (c *HookContext) guardable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return ErrDetached
	}
	return nil
}

// Logger returns the process logger.
func (c *HookContext) Logger() *log.Logger {
	return c.logger
}

// ContextID returns the per-attach correlation id.
func (c *HookContext) ContextID() string {
	return c.contextID
}

// CallParameters returns the seed a child process attaches with, carrying
// the tree segment names currently published in the shared record.
func (c *HookContext) CallParameters() (data.Parameters, error) {
	guard, err := c.ReadAccess()
	if err != nil {
		return data.Parameters{}, err
	}
	defer guard.Release()

	return c.shared.MakeLocal(), nil
}

// SetLogLevel changes the instance-wide level.
func (c *HookContext) SetLogLevel(level data.LogLevel) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	c.shared.SetLogLevel(level)
	return nil
}

// SetCrashDumpsType changes the instance-wide crash-dump policy.
func (c *HookContext) SetCrashDumpsType(t data.CrashDumpsType) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	c.shared.SetCrashDumpsType(t)
	return nil
}

// DebugMode reads the instance debug flag without a guard.
func (c *HookContext) DebugMode() bool {
	return c.shared.DebugMode()
}

// RegisterDelayed parks an outstanding asynchronous result so it cannot
// be dropped before process exit. Local to this process.
func (c *HookContext) RegisterDelayed(future <-chan int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delayed = append(c.delayed, future)
}

// Delayed returns the parked results.
func (c *HookContext) Delayed() []<-chan int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]<-chan int(nil), c.delayed...)
}

// RebuildTrees reconstructs both tree segments at newSize under fresh
// names and publishes the names, the growth path for a full tree segment.
// Other attached processes pick the new names up on their next guard.
func (c *HookContext) RebuildTrees(newSize int) error {
	guard, err := c.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	suffix := uuid.NewString()[:8]
	newTreeName := data.TruncateParameter(c.seed.InstanceName + "_tree_" + suffix)
	newInvName := data.TruncateParameter(c.seed.InstanceName + "_inverse_" + suffix)

	treeSeg, err := shm.Create(newTreeName, newSize)
	if err != nil {
		return err
	}
	invSeg, err := shm.Create(newInvName, newSize)
	if err != nil {
		return errors.Join(err, treeSeg.Close(), shm.Remove(newTreeName))
	}

	newTree, err := tree.New(treeSeg)
	if err == nil {
		err = c.vtree.CopyTo(newTree)
	}
	var newInverse *tree.InverseTree
	if err == nil {
		newInverse, err = tree.NewInverse(invSeg)
	}
	if err == nil {
		err = c.inverse.CopyTo(newInverse)
	}
	if err == nil {
		err = c.shared.setSHMNames(newTreeName, newInvName)
	}

	if err != nil {
		return errors.Join(err,
			treeSeg.Close(),
			invSeg.Close(),
			shm.Remove(newTreeName),
			shm.Remove(newInvName),
		)
	}

	oldTreeName := c.treeSeg.Name()
	oldInvName := c.invSeg.Name()
	if err := errors.Join(c.treeSeg.Close(), c.invSeg.Close(),
		shm.Remove(oldTreeName), shm.Remove(oldInvName)); err != nil {
		// The new segments are already published; a stuck old mapping
		// only leaks until process exit.
		c.logger.Warn("dropping old tree segments: %v", err)
	}

	c.treeSeg, c.invSeg = treeSeg, invSeg
	c.vtree, c.inverse = newTree, newInverse

	c.logger.Info("rebuilt trees as %s / %s (%d bytes)", newTreeName, newInvName, newSize)
	return nil
}

// refreshTrees remaps the tree segments if another process republished
// them. Called under the guard.
func (c *HookContext) refreshTrees() error {
	shmName := c.shared.SHMName()
	if shmName == c.treeSeg.Name() {
		return nil
	}

	treeSeg, err := shm.Open(shmName)
	if err != nil {
		return err
	}
	vtree, err := tree.New(treeSeg)
	if err != nil {
		treeSeg.Close()
		return err
	}

	invSeg, err := shm.Open(c.shared.InverseSHMName())
	if err != nil {
		treeSeg.Close()
		return err
	}
	inverse, err := tree.NewInverse(invSeg)
	if err != nil {
		treeSeg.Close()
		invSeg.Close()
		return err
	}

	if err := errors.Join(c.treeSeg.Close(), c.invSeg.Close()); err != nil {
		c.logger.Warn("dropping stale tree mappings: %v", err)
	}
	c.treeSeg, c.invSeg = treeSeg, invSeg
	c.vtree, c.inverse = vtree, inverse

	c.logger.Debug("remapped trees to %s", shmName)
	return nil
}
