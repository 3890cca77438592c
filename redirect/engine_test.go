package redirect

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/frames/usvfs"
	"github.com/frames/usvfs/data"
)

func testEngine(t *testing.T) (*Engine, *usvfs.HookContext, afero.Fs) {
	t.Helper()

	seed := data.Parameters{
		InstanceName: fmt.Sprintf("usvfs-eng-%s-%d", t.Name(), time.Now().UnixNano()),
		LogLevel:     data.LogError,
		OverlayPath:  "/overlay",
	}

	ctx, err := usvfs.Attach(seed, usvfs.WithQuietLog())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { ctx.Detach() })

	fsys := afero.NewMemMapFs()
	return New(ctx, WithFilesystem(fsys)), ctx, fsys
}

func addFile(t *testing.T, ctx *usvfs.HookContext, virtual, real string) {
	t.Helper()

	guard, err := ctx.WriteAccess()
	if err != nil {
		t.Fatalf("WriteAccess failed: %v", err)
	}
	defer guard.Release()

	if _, err := guard.AddFile(virtual, real, 0); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
}

func addDirectory(t *testing.T, ctx *usvfs.HookContext, virtual string, reals ...string) {
	t.Helper()

	guard, err := ctx.WriteAccess()
	if err != nil {
		t.Fatalf("WriteAccess failed: %v", err)
	}
	defer guard.Release()

	if _, err := guard.AddDirectory(virtual, reals, 0); err != nil {
		t.Fatalf("AddDirectory failed: %v", err)
	}
}

// Scenario: a fresh instance resolves nothing.
func TestEngine_EmptyInstance(t *testing.T) {
	e, _, _ := testEngine(t)

	res, err := e.Resolve(`\data\a.txt`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateAbsent {
		t.Errorf("Expected StateAbsent, got %v", res.State)
	}
}

// Scenario: a mapped file resolves under any case variation.
func TestEngine_MappedFile(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/real/a.txt", []byte("content"), 0o644)
	addFile(t, ctx, `\data\a.txt`, "/real/a.txt")

	res, err := e.Resolve(`\DATA\A.TXT`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateReal || res.RealPath != "/real/a.txt" {
		t.Errorf("Expected /real/a.txt, got %+v", res)
	}
}

func TestEngine_MissingBacking(t *testing.T) {
	e, ctx, _ := testEngine(t)

	// Recorded backing never written to the host filesystem.
	addFile(t, ctx, `\data\ghost.txt`, "/real/ghost.txt")

	res, err := e.Resolve(`\data\ghost.txt`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateMissingBacking {
		t.Errorf("Expected StateMissingBacking, got %+v", res)
	}
}

// Scenario: two sources layered at one directory, stack top wins.
func TestEngine_LayeredStack(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/src/s1/b.txt", []byte("lower"), 0o644)
	afero.WriteFile(fsys, "/src/s2/b.txt", []byte("upper"), 0o644)
	afero.WriteFile(fsys, "/src/s1/only1.txt", []byte("1"), 0o644)

	addDirectory(t, ctx, `\data`, "/src/s1", "/src/s2")

	res, err := e.Resolve(`\data\b.txt`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateReal || res.RealPath != "/src/s2/b.txt" {
		t.Errorf("Expected stack top /src/s2/b.txt, got %+v", res)
	}

	// A name only the lower layer carries still resolves.
	res, err = e.Resolve(`\data\only1.txt`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateReal || res.RealPath != "/src/s1/only1.txt" {
		t.Errorf("Expected /src/s1/only1.txt, got %+v", res)
	}

	// Enumerate reports the collision exactly once.
	entries, err := e.Enumerate(`\data`)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.Name == "b.txt" {
			count++
			if entry.RealPath != "/src/s2/b.txt" {
				t.Errorf("Enumerated b.txt from wrong layer: %q", entry.RealPath)
			}
		}
	}
	if count != 1 {
		t.Errorf("Expected b.txt exactly once, got %d", count)
	}
}

// Scenario: delete masks the name from resolution and enumeration and
// lands in the tracker.
func TestEngine_DeleteMasks(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/src/s1/b.txt", []byte("x"), 0o644)
	addDirectory(t, ctx, `\data`, "/src/s1")
	addFile(t, ctx, `\data\b.txt`, "/src/s1/b.txt")

	if err := e.ObserveDelete(`\data\b.txt`); err != nil {
		t.Fatalf("ObserveDelete failed: %v", err)
	}

	res, err := e.Resolve(`\data\b.txt`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateAbsent {
		t.Errorf("Expected StateAbsent after delete, got %+v", res)
	}

	entries, err := e.Enumerate(`\data`)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	for _, entry := range entries {
		if entry.Name == "b.txt" {
			t.Errorf("Deleted name still enumerated: %+v", entry)
		}
	}

	exists, err := ctx.ExistsDeletedFile(`\data\b.txt`)
	if err != nil || !exists {
		t.Errorf("Expected deletion tracked, exists=%v err=%v", exists, err)
	}

	// A create over the deletion revives the path.
	res, err = e.Resolve(`\data\b.txt`, OpCreateNew)
	if err != nil {
		t.Fatalf("Resolve for create failed: %v", err)
	}
	if res.State != StateReal || !res.Created {
		t.Errorf("Expected overlay create target, got %+v", res)
	}
	exists, _ = ctx.ExistsDeletedFile(`\data\b.txt`)
	if exists {
		t.Error("Deletion entry survived create")
	}
}

func TestEngine_CopyOnWrite(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/src/s1/save.dat", []byte("original"), 0o644)
	addFile(t, ctx, `\data\save.dat`, "/src/s1/save.dat")

	res, err := e.Resolve(`\data\save.dat`, OpOpenOrCreate)
	if err != nil {
		t.Fatalf("Resolve for write failed: %v", err)
	}
	if res.State != StateReal {
		t.Fatalf("Expected StateReal, got %+v", res)
	}
	if res.RealPath == "/src/s1/save.dat" {
		t.Fatal("Write resolution did not leave the read-only source")
	}

	// The copy carries the original contents.
	content, err := afero.ReadFile(fsys, res.RealPath)
	if err != nil {
		t.Fatalf("Copy not materialized: %v", err)
	}
	if string(content) != "original" {
		t.Errorf("Copy has wrong contents: %q", content)
	}

	// The node now points at the copy, so reads follow the write.
	read, err := e.Resolve(`\data\save.dat`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if read.RealPath != res.RealPath {
		t.Errorf("Read resolves %q, write resolved %q", read.RealPath, res.RealPath)
	}

	// A second write-open reuses the materialized copy.
	again, err := e.Resolve(`\data\save.dat`, OpOpenOrCreate)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if again.RealPath != res.RealPath {
		t.Errorf("Second write created another copy: %q vs %q", again.RealPath, res.RealPath)
	}
}

func TestEngine_WriteThroughStackCopies(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/src/s1/cfg.ini", []byte("layered"), 0o644)
	addDirectory(t, ctx, `\data`, "/src/s1")

	res, err := e.Resolve(`\data\cfg.ini`, OpOpenOrCreate)
	if err != nil {
		t.Fatalf("Resolve for write failed: %v", err)
	}
	if res.State != StateReal || res.RealPath == "/src/s1/cfg.ini" {
		t.Fatalf("Expected copy-on-write target, got %+v", res)
	}

	content, err := afero.ReadFile(fsys, res.RealPath)
	if err != nil || string(content) != "layered" {
		t.Errorf("Stack hit not copied: %q err=%v", content, err)
	}
}

func TestEngine_CreateNewTarget(t *testing.T) {
	e, _, fsys := testEngine(t)

	res, err := e.Resolve(`\data\new\file.txt`, OpCreateNew)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateReal || !res.Created {
		t.Fatalf("Expected created overlay target, got %+v", res)
	}
	if res.RealPath != "/overlay/data/new/file.txt" {
		t.Errorf("Expected mirrored overlay path, got %q", res.RealPath)
	}

	// The parent directory was prepared for the host call.
	exists, _ := afero.DirExists(fsys, "/overlay/data/new")
	if !exists {
		t.Error("Create target parent not prepared")
	}

	// After the shim reports the create, reads resolve to the new file.
	afero.WriteFile(fsys, res.RealPath, []byte("fresh"), 0o644)
	if err := e.ObserveCreate(`\data\new\file.txt`, res.RealPath); err != nil {
		t.Fatalf("ObserveCreate failed: %v", err)
	}

	read, err := e.Resolve(`\data\NEW\FILE.TXT`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if read.State != StateReal || read.RealPath != res.RealPath {
		t.Errorf("Created file not visible: %+v", read)
	}
}

func TestEngine_NoOverlayConfigured(t *testing.T) {
	seed := data.Parameters{
		InstanceName: fmt.Sprintf("usvfs-eng-noover-%d", time.Now().UnixNano()),
		LogLevel:     data.LogError,
	}
	ctx, err := usvfs.Attach(seed, usvfs.WithQuietLog())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ctx.Detach()

	e := New(ctx, WithFilesystem(afero.NewMemMapFs()))

	if _, err := e.Resolve(`\data\x.txt`, OpCreateNew); !errors.Is(err, usvfs.ErrNoOverlay) {
		t.Errorf("Expected ErrNoOverlay, got %v", err)
	}
}

func TestEngine_FakeDirectory(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/real/projected/inner.txt", []byte("x"), 0o644)

	if err := ctx.AddFakeDirectory(`\virtualdir`, "/real/projected"); err != nil {
		t.Fatalf("AddFakeDirectory failed: %v", err)
	}

	// Open-existing of the fake directory succeeds against its
	// projection.
	res, err := e.Resolve(`\virtualdir`, OpOpenExisting)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.State != StateDirectory || res.RealPath != "/real/projected" {
		t.Errorf("Expected projected directory, got %+v", res)
	}

	// Enumeration merges the projection's real children.
	entries, err := e.Enumerate(`\virtualdir`)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "inner.txt" {
		t.Errorf("Expected projected child, got %v", entries)
	}

	// The fake directory surfaces in its parent's listing.
	entries, err = e.Enumerate(`\`)
	if err != nil {
		t.Fatalf("Enumerate root failed: %v", err)
	}
	found := false
	for _, entry := range entries {
		if entry.Name == "virtualdir" && entry.Dir {
			found = true
		}
	}
	if !found {
		t.Errorf("Fake directory missing from parent listing: %v", entries)
	}
}

func TestEngine_RootResolves(t *testing.T) {
	e, _, _ := testEngine(t)

	for _, path := range []string{"\\", "/", ""} {
		res, err := e.Resolve(path, OpOpenExisting)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", path, err)
		}
		if res.State != StateDirectory {
			t.Errorf("Resolve(%q): expected root directory, got %+v", path, res)
		}
	}
}

func TestEngine_InvalidPath(t *testing.T) {
	e, _, _ := testEngine(t)

	// Escaping above the root cannot canonicalize; the shim passes the
	// raw call through.
	if _, err := e.Resolve(`\..\..\x`, OpOpenExisting); !errors.Is(err, usvfs.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
}

func TestEngine_HandleRegistry(t *testing.T) {
	e, _, _ := testEngine(t)

	e.ObserveOpen("/real/a.txt", "/data/a.txt", 7)

	real, virtual, ok := e.LookupHandle(7)
	if !ok || real != "/real/a.txt" || virtual != "/data/a.txt" {
		t.Errorf("Handle lookup wrong: %q %q %v", real, virtual, ok)
	}

	e.ObserveClose(7)
	if _, _, ok := e.LookupHandle(7); ok {
		t.Error("Handle survived close")
	}
}

func TestEngine_Rename(t *testing.T) {
	e, ctx, fsys := testEngine(t)

	afero.WriteFile(fsys, "/real/old.txt", []byte("x"), 0o644)
	addFile(t, ctx, `\data\old.txt`, "/real/old.txt")

	if err := e.ObserveRename(`\data\old.txt`, `\data\new.txt`); err != nil {
		t.Fatalf("ObserveRename failed: %v", err)
	}

	res, _ := e.Resolve(`\data\old.txt`, OpOpenExisting)
	if res.State != StateAbsent {
		t.Errorf("Source still resolves after rename: %+v", res)
	}

	res, _ = e.Resolve(`\data\new.txt`, OpOpenExisting)
	if res.State != StateReal || res.RealPath != "/real/old.txt" {
		t.Errorf("Destination wrong after rename: %+v", res)
	}

	// Inverse query reflects the move.
	virts, err := e.LookupByReal("/real/old.txt")
	if err != nil {
		t.Fatalf("LookupByReal failed: %v", err)
	}
	if len(virts) != 1 || virts[0] != "/data/new.txt" {
		t.Errorf("Inverse wrong after rename: %v", virts)
	}
}

func TestEngine_ShouldInject(t *testing.T) {
	e, ctx, _ := testEngine(t)

	if !e.ShouldInject(`C:\x\game.exe`, "") {
		t.Error("Expected injection for non-blacklisted executable")
	}

	if err := ctx.BlacklistExecutable(".tmp.exe"); err != nil {
		t.Fatalf("BlacklistExecutable failed: %v", err)
	}

	if e.ShouldInject(`C:\x\helper.TMP.EXE`, "") {
		t.Error("Expected no injection for blacklisted executable")
	}
}
