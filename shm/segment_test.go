package shm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testSegmentName(t *testing.T) string {
	return fmt.Sprintf("usvfs-test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestSegment_CreateOpenRemove(t *testing.T) {
	name := testSegmentName(t)

	seg, err := Create(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if seg.Size() != ConfigSegmentSize {
		t.Errorf("Expected size %d, got %d", ConfigSegmentSize, seg.Size())
	}

	// Creating the same name twice must fail.
	if _, err := Create(name, ConfigSegmentSize); err == nil {
		t.Error("Expected error creating duplicate segment")
	}

	// A second mapping of the same region sees the first one's writes.
	other, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	off, err := seg.PutString("shared value")
	if err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	if got := other.String(off); got != "shared value" {
		t.Errorf("Expected %q through second mapping, got %q", "shared value", got)
	}

	other.Close()
	seg.Close()

	if err := Remove(name); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := Open(name); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected ErrSegmentNotFound after removal, got %v", err)
	}
}

func TestSegment_OpenMissing(t *testing.T) {
	if _, err := Open(testSegmentName(t)); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("Expected ErrSegmentNotFound, got %v", err)
	}
}

func TestSegment_OpenOrCreate(t *testing.T) {
	name := testSegmentName(t)

	seg, err := OpenOrCreate(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("OpenOrCreate (create) failed: %v", err)
	}
	seg.Close()
	defer Remove(name)

	seg, err = OpenOrCreate(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("OpenOrCreate (open) failed: %v", err)
	}
	seg.Close()
}

func TestSegment_AllocFree(t *testing.T) {
	name := testSegmentName(t)

	seg, err := Create(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		seg.Close()
		Remove(name)
	}()

	a, err := seg.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, err := seg.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a == b {
		t.Error("Distinct allocations share an offset")
	}

	// A freed block is reused for an allocation that fits.
	seg.Free(a)
	c, err := seg.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc after Free failed: %v", err)
	}
	if c != a {
		t.Errorf("Expected freed block %d to be reused, got %d", a, c)
	}

	// Reused blocks come back zeroed.
	for i := uint32(0); i < 32; i += 4 {
		if seg.U32(c+i) != 0 {
			t.Fatalf("Reused block not zeroed at offset %d", i)
		}
	}
}

func TestSegment_Exhaustion(t *testing.T) {
	name := testSegmentName(t)

	seg, err := Create(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		seg.Close()
		Remove(name)
	}()

	for {
		if _, err := seg.Alloc(512); err != nil {
			if !errors.Is(err, ErrSegmentExhausted) {
				t.Fatalf("Expected ErrSegmentExhausted, got %v", err)
			}
			return
		}
	}
}

func TestSegment_NamedObjects(t *testing.T) {
	name := testSegmentName(t)

	seg, err := Create(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		seg.Close()
		Remove(name)
	}()

	off, created, err := seg.FindOrCreate("parameters", 64)
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	if !created {
		t.Error("Expected first FindOrCreate to create")
	}

	seg.PutU32(off, 0xDEADBEEF)

	again, created, err := seg.FindOrCreate("parameters", 64)
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	if created {
		t.Error("Expected second FindOrCreate to find")
	}
	if again != off {
		t.Errorf("Expected offset %d, got %d", off, again)
	}
	if seg.U32(again) != 0xDEADBEEF {
		t.Error("Named object lost its contents")
	}

	if seg.Find("missing") != 0 {
		t.Error("Expected 0 for unknown object name")
	}
}

func TestSegment_Lists(t *testing.T) {
	name := testSegmentName(t)

	seg, err := Create(name, ConfigSegmentSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		seg.Close()
		Remove(name)
	}()

	hdr, _, err := seg.FindOrCreate("list", ListHeaderSize)
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}

	for i := uint32(1); i <= 10; i++ {
		if err := seg.ListAppend(hdr, i*100); err != nil {
			t.Fatalf("ListAppend failed: %v", err)
		}
	}

	if seg.ListLen(hdr) != 10 {
		t.Fatalf("Expected 10 elements, got %d", seg.ListLen(hdr))
	}
	if seg.ListGet(hdr, 4) != 500 {
		t.Errorf("Expected element 4 = 500, got %d", seg.ListGet(hdr, 4))
	}
	if seg.ListIndex(hdr, 700) != 6 {
		t.Errorf("Expected index 6 for 700, got %d", seg.ListIndex(hdr, 700))
	}

	seg.ListRemoveAt(hdr, 0)
	if seg.ListLen(hdr) != 9 || seg.ListGet(hdr, 0) != 200 {
		t.Error("ListRemoveAt did not shift elements")
	}

	released := 0
	seg.ListClear(hdr, func(uint32) { released++ })
	if released != 9 {
		t.Errorf("Expected release hook for 9 elements, got %d", released)
	}
	if seg.ListLen(hdr) != 0 {
		t.Error("List not empty after ListClear")
	}
}
