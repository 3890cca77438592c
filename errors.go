package usvfs

import (
	"errors"

	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/shm"
	"github.com/frames/usvfs/tree"
)

// Core error set. Shims translate these into host OS return codes; nothing
// here ever aborts a target process.
var (
	// Attach / lifecycle errors
	ErrDuplicateAttach = errors.New("usvfs: duplicate hook context instantiation")
	ErrDetached        = errors.New("usvfs: hook context already detached")

	// Resolution errors
	ErrBackingMissing = errors.New("usvfs: real backing missing")
	ErrNoOverlay      = errors.New("usvfs: no writable overlay configured")

	// Re-exported from the layers that raise them, so shims depend on a
	// single error surface.
	ErrSegmentExhausted = shm.ErrSegmentExhausted
	ErrSegmentNotFound  = shm.ErrSegmentNotFound
	ErrLockTimeout      = shm.ErrLockTimeout
	ErrAbsent           = tree.ErrAbsent
	ErrInvalidPath      = data.ErrInvalidPath
)
