// Package shm provides the named shared memory segments all cross-process
// state lives in. A segment is an mmap'd file in the host's shared memory
// directory; every reference inside a segment is a byte offset, never a
// pointer, because attached processes map the region at different base
// addresses.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// ConfigSegmentSize is the fixed size of the configuration segment.
	ConfigSegmentSize = 8192
	// TreeSegmentSize is the initial size of a tree segment. Tree segments
	// grow by reconstruction under a new name, never in place.
	TreeSegmentSize = 65536
)

var (
	ErrSegmentExhausted = errors.New("usvfs: segment exhausted")
	ErrSegmentNotFound  = errors.New("usvfs: segment not found")
)

const (
	segmentMagic   = 0x55535653 // "USVS"
	segmentVersion = 1

	offMagic    = 0
	offVersion  = 4
	offDirCount = 6
	offSize     = 8
	offFreeHead = 12
	offDir      = 16

	dirCapacity  = 16
	dirEntrySize = 8 // nameOff, objOff

	heapStart = offDir + dirCapacity*dirEntrySize
)

// Segment is one named shared memory region. All accessor methods operate
// on raw offsets; higher layers (tree, parameters) define the record
// layouts. Mutations must happen under the instance mutex.
type Segment struct {
	name string
	file *os.File
	mem  []byte
}

// Create makes a new named segment of the given size. Fails if a segment
// with this name already exists.
func Create(name string, size int) (*Segment, error) {
	file, err := os.OpenFile(segmentPath(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("usvfs: create segment %q: %w", name, err)
	}

	seg, err := initSegment(name, file, size, true)
	if err != nil {
		file.Close()
		os.Remove(segmentPath(name))
		return nil, err
	}

	return seg, nil
}

// Open maps an existing named segment. Returns ErrSegmentNotFound if no
// segment with this name exists.
func Open(name string) (*Segment, error) {
	file, err := os.OpenFile(segmentPath(name), os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
		}
		return nil, fmt.Errorf("usvfs: open segment %q: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	seg, err := initSegment(name, file, int(info.Size()), false)
	if err != nil {
		file.Close()
		return nil, err
	}

	if seg.u32(offMagic) != segmentMagic {
		seg.Close()
		return nil, fmt.Errorf("usvfs: segment %q is not a usvfs segment", name)
	}

	return seg, nil
}

// OpenOrCreate opens the named segment, creating it if absent. Callers
// hold the instance mutex during attach, which serializes creation against
// concurrent attaches of the same instance.
func OpenOrCreate(name string, size int) (*Segment, error) {
	seg, err := Create(name, size)
	if err == nil {
		return seg, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, err
	}
	return Open(name)
}

// Remove unlinks the named segment. Mappings held by attached processes
// stay valid until they close.
func Remove(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func initSegment(name string, file *os.File, size int, fresh bool) (*Segment, error) {
	if fresh {
		if err := file.Truncate(int64(size)); err != nil {
			return nil, err
		}
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("usvfs: map segment %q: %w", name, err)
	}

	seg := &Segment{name: name, file: file, mem: mem}

	if fresh {
		seg.putU32(offMagic, segmentMagic)
		seg.putU16(offVersion, segmentVersion)
		seg.putU16(offDirCount, 0)
		seg.putU32(offSize, uint32(size))

		// One free block spanning the whole heap.
		seg.putU32(heapStart, uint32(size-heapStart-blockHeader))
		seg.putU32(heapStart+4, 0)
		seg.putU32(offFreeHead, heapStart)
	}

	return seg, nil
}

// Name returns the segment's global name.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.mem)
}

// Close unmaps the segment. The named region itself stays until removed.
func (s *Segment) Close() error {
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			return err
		}
		s.mem = nil
	}
	return s.file.Close()
}

// FindOrCreate resolves the named object inside the segment, constructing
// a zeroed record of the given size on first use. Reports whether the
// object was created by this call.
func (s *Segment) FindOrCreate(name string, size int) (uint32, bool, error) {
	if off := s.Find(name); off != 0 {
		return off, false, nil
	}

	count := int(s.u16(offDirCount))
	if count == dirCapacity {
		return 0, false, fmt.Errorf("%w: object directory full", ErrSegmentExhausted)
	}

	nameOff, err := s.PutString(name)
	if err != nil {
		return 0, false, err
	}
	objOff, err := s.Alloc(size)
	if err != nil {
		s.FreeString(nameOff)
		return 0, false, err
	}

	entry := uint32(offDir + count*dirEntrySize)
	s.putU32(int(entry), nameOff)
	s.putU32(int(entry)+4, objOff)
	s.putU16(offDirCount, uint16(count+1))

	return objOff, true, nil
}

// Find resolves a named object, 0 if absent.
func (s *Segment) Find(name string) uint32 {
	count := int(s.u16(offDirCount))
	for i := 0; i < count; i++ {
		entry := offDir + i*dirEntrySize
		if s.String(s.u32(entry)) == name {
			return s.u32(entry + 4)
		}
	}
	return 0
}

func segmentPath(name string) string {
	return filepath.Join(segmentDir(), "usvfs_"+sanitizeName(name))
}

func segmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}

// Raw little-endian accessors. Offsets out of range panic, which is the
// right behavior for a corrupted segment: nothing in the core can recover
// from it, and the shim layer isolates target applications from panics.

func (s *Segment) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(s.mem[off:])
}

func (s *Segment) putU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(s.mem[off:], v)
}

func (s *Segment) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.mem[off:])
}

func (s *Segment) putU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.mem[off:], v)
}

// U32 reads a 32-bit field at an absolute offset.
func (s *Segment) U32(off uint32) uint32 {
	return s.u32(int(off))
}

// PutU32 writes a 32-bit field at an absolute offset.
func (s *Segment) PutU32(off uint32, v uint32) {
	s.putU32(int(off), v)
}

// U8 reads a byte field at an absolute offset.
func (s *Segment) U8(off uint32) uint8 {
	return s.mem[off]
}

// PutU8 writes a byte field at an absolute offset.
func (s *Segment) PutU8(off uint32, v uint8) {
	s.mem[off] = v
}
