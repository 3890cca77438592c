package usvfs

import (
	"testing"

	"github.com/frames/usvfs/data"
)

func TestTrackers_DeletedFileLaws(t *testing.T) {
	ctx := testAttach(t, testSeed(t))
	defer ctx.Detach()

	if err := ctx.AddDeletedFile(`\data\b.txt`, `/real/b.txt`); err != nil {
		t.Fatalf("AddDeletedFile failed: %v", err)
	}

	exists, err := ctx.ExistsDeletedFile(`\data\b.txt`)
	if err != nil || !exists {
		t.Fatalf("Expected deleted file tracked, exists=%v err=%v", exists, err)
	}

	real, err := ctx.LookupDeletedFile(`\data\b.txt`)
	if err != nil || real != "/real/b.txt" {
		t.Errorf("Expected round-trip real path, got %q err=%v", real, err)
	}

	forgotten, err := ctx.ForgetDeletedFile(`\data\b.txt`)
	if err != nil || !forgotten {
		t.Fatalf("ForgetDeletedFile failed: %v", err)
	}

	exists, err = ctx.ExistsDeletedFile(`\data\b.txt`)
	if err != nil || exists {
		t.Error("Deleted-file entry survived forget")
	}

	// Forgetting an untracked path reports false.
	forgotten, err = ctx.ForgetDeletedFile(`\data\other.txt`)
	if err != nil || forgotten {
		t.Error("Forget of untracked path reported true")
	}
}

func TestTrackers_FakeDirectoryLaws(t *testing.T) {
	ctx := testAttach(t, testSeed(t))
	defer ctx.Detach()

	if err := ctx.AddFakeDirectory(`\virtualdir`, `/real/projected`); err != nil {
		t.Fatalf("AddFakeDirectory failed: %v", err)
	}

	exists, err := ctx.ExistsFakeDirectory(`\virtualdir`)
	if err != nil || !exists {
		t.Fatalf("Expected fake directory tracked, exists=%v err=%v", exists, err)
	}

	real, err := ctx.LookupFakeDirectory(`\virtualdir`)
	if err != nil || real != "/real/projected" {
		t.Errorf("Expected projected path, got %q err=%v", real, err)
	}

	// Re-adding replaces the projection.
	if err := ctx.AddFakeDirectory(`\virtualdir`, `/real/other`); err != nil {
		t.Fatalf("AddFakeDirectory failed: %v", err)
	}
	real, _ = ctx.LookupFakeDirectory(`\virtualdir`)
	if real != "/real/other" {
		t.Errorf("Expected replaced projection, got %q", real)
	}

	forgotten, err := ctx.ForgetFakeDirectory(`\virtualdir`)
	if err != nil || !forgotten {
		t.Fatalf("ForgetFakeDirectory failed: %v", err)
	}
	exists, _ = ctx.ExistsFakeDirectory(`\virtualdir`)
	if exists {
		t.Error("Fake-directory entry survived forget")
	}
}

func TestTrackers_CaseInsensitiveKeys(t *testing.T) {
	ctx := testAttach(t, testSeed(t))
	defer ctx.Detach()

	if err := ctx.AddDeletedFile(`\Data\B.txt`, `/real/b.txt`); err != nil {
		t.Fatalf("AddDeletedFile failed: %v", err)
	}

	exists, _ := ctx.ExistsDeletedFile(`\DATA\b.TXT`)
	if !exists {
		t.Error("Tracker keys are not case-insensitive")
	}
}

func TestBlacklist_SuffixAndSubstring(t *testing.T) {
	ctx := testAttach(t, testSeed(t))
	defer ctx.Detach()

	if err := ctx.BlacklistExecutable(".tmp.exe"); err != nil {
		t.Fatalf("BlacklistExecutable failed: %v", err)
	}

	// Application names match as case-insensitive suffix.
	blacklisted, err := ctx.ExecutableBlacklisted(`C:\x\helper.TMP.EXE`, "")
	if err != nil || !blacklisted {
		t.Errorf("Expected suffix match, got %v err=%v", blacklisted, err)
	}

	blacklisted, _ = ctx.ExecutableBlacklisted(`C:\x\helper.exe`, "")
	if blacklisted {
		t.Error("Unexpected suffix match")
	}

	// Command lines match as case-insensitive substring.
	blacklisted, _ = ctx.ExecutableBlacklisted("", `run --load a.TMP.exe --now`)
	if !blacklisted {
		t.Error("Expected substring match on command line")
	}

	// Suffix semantics do not leak into the app-name check: a mid-string
	// occurrence only matters on the command line.
	blacklisted, _ = ctx.ExecutableBlacklisted(`C:\x\a.tmp.exe.bak`, "")
	if blacklisted {
		t.Error("App name matched as substring instead of suffix")
	}

	if err := ctx.ClearBlacklist(); err != nil {
		t.Fatalf("ClearBlacklist failed: %v", err)
	}
	blacklisted, _ = ctx.ExecutableBlacklisted(`C:\x\helper.TMP.EXE`, "")
	if blacklisted {
		t.Error("Blacklist survived clear")
	}
}

func TestForcedLibraries(t *testing.T) {
	ctx := testAttach(t, testSeed(t))
	defer ctx.Detach()

	if err := ctx.ForceLoadLibrary("game.exe", "/libs/hookA.so"); err != nil {
		t.Fatalf("ForceLoadLibrary failed: %v", err)
	}
	if err := ctx.ForceLoadLibrary("game.exe", "/libs/hookB.so"); err != nil {
		t.Fatalf("ForceLoadLibrary failed: %v", err)
	}
	if err := ctx.ForceLoadLibrary("tool.exe", "/libs/other.so"); err != nil {
		t.Fatalf("ForceLoadLibrary failed: %v", err)
	}

	// Process-name match is exact and case-insensitive.
	libs, err := ctx.LibrariesToForceLoad("GAME.EXE")
	if err != nil {
		t.Fatalf("LibrariesToForceLoad failed: %v", err)
	}
	if len(libs) != 2 || libs[0] != "/libs/hookA.so" || libs[1] != "/libs/hookB.so" {
		t.Errorf("Expected both game libraries in order, got %v", libs)
	}

	libs, _ = ctx.LibrariesToForceLoad("game")
	if len(libs) != 0 {
		t.Errorf("Partial process name matched: %v", libs)
	}

	if err := ctx.ClearForcedLibraries(); err != nil {
		t.Fatalf("ClearForcedLibraries failed: %v", err)
	}
	libs, _ = ctx.LibrariesToForceLoad("game.exe")
	if len(libs) != 0 {
		t.Errorf("Forced libraries survived clear: %v", libs)
	}
}

func TestProcessRegistry(t *testing.T) {
	ctx := testAttach(t, testSeed(t))
	defer ctx.Detach()

	if err := ctx.RegisterProcess(1234); err != nil {
		t.Fatalf("RegisterProcess failed: %v", err)
	}
	if err := ctx.RegisterProcess(5678); err != nil {
		t.Fatalf("RegisterProcess failed: %v", err)
	}
	// Registration is idempotent.
	if err := ctx.RegisterProcess(1234); err != nil {
		t.Fatalf("RegisterProcess failed: %v", err)
	}

	pids, err := ctx.RegisteredProcesses()
	if err != nil {
		t.Fatalf("RegisteredProcesses failed: %v", err)
	}
	if len(pids) != 2 {
		t.Errorf("Expected 2 registered pids, got %v", pids)
	}
}

func TestParameters_Truncation(t *testing.T) {
	long := make([]byte, data.MaxParameterString+50)
	for i := range long {
		long[i] = 'x'
	}

	seed := testSeed(t)
	seed.CrashDumpsPath = string(long)

	ctx := testAttach(t, seed)
	defer ctx.Detach()

	params, err := ctx.CallParameters()
	if err != nil {
		t.Fatalf("CallParameters failed: %v", err)
	}
	if len(params.CrashDumpsPath) != data.MaxParameterString {
		t.Errorf("Expected crash path truncated to %d, got %d",
			data.MaxParameterString, len(params.CrashDumpsPath))
	}
}
