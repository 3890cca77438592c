// Package usvfs implements the core of a user-space virtual filesystem:
// the per-process hook context, the shared parameters record, and guarded
// access to the virtual tree and its inverse index. Intercepted filesystem
// entry points talk to this package through the redirect package; they
// never touch the shared segments directly.
package usvfs

import (
	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/shm"
)

// SharedParameters is the singleton record "parameters" inside the
// configuration segment. One record exists per instance and is shared by
// every attached process; all fields are offsets or raw integers, all
// mutation happens under the instance mutex.
//
// Layout:
//
//	 0  userCount u32
//	 4  debugMode u8, logLevel u8, crashDumpsType u8, reserved u8
//	 8  instanceName  string offset
//	12  shmName       string offset (current virtual tree segment)
//	16  invShmName    string offset (current inverse tree segment)
//	20  crashPath     string offset
//	24  overlayPath   string offset
//	28  processList   list header (pids as raw values)
//	36  blacklist     list header (string offsets)
//	44  forcedLibs    list header (pair offsets)
//	52  deletedFiles  list header (pair offsets)
//	60  fakeDirs      list header (pair offsets)
const (
	paramOffUserCount    = 0
	paramOffDebug        = 4
	paramOffLogLevel     = 5
	paramOffCrashType    = 6
	paramOffInstance     = 8
	paramOffSHMName      = 12
	paramOffInvSHMName   = 16
	paramOffCrashPath    = 20
	paramOffOverlayPath  = 24
	paramOffProcessList  = 28
	paramOffBlacklist    = 36
	paramOffForcedLibs   = 44
	paramOffDeletedFiles = 52
	paramOffFakeDirs     = 60

	sharedParametersSize = 68
)

// Pair record used by the forced-library list and both trackers.
const (
	pairOffFrom = 0
	pairOffTo   = 4
	pairSize    = 8
)

type SharedParameters struct {
	seg *shm.Segment
	off uint32
}

// initFrom publishes the seed into a freshly constructed record. Only the
// first process to attach runs this.
func (p *SharedParameters) initFrom(seed data.Parameters) error {
	fields := []struct {
		off uint32
		val string
	}{
		{paramOffInstance, seed.InstanceName},
		{paramOffSHMName, seed.SHMName},
		{paramOffInvSHMName, seed.InverseSHMName},
		{paramOffCrashPath, seed.CrashDumpsPath},
		{paramOffOverlayPath, seed.OverlayPath},
	}
	for _, f := range fields {
		if err := p.seg.SetString(p.off+f.off, f.val); err != nil {
			return err
		}
	}

	p.SetDebugMode(seed.DebugMode)
	p.SetLogLevel(seed.LogLevel)
	p.SetCrashDumpsType(seed.CrashDumpsType)
	return nil
}

func (p *SharedParameters) InstanceName() string {
	return p.seg.String(p.seg.U32(p.off + paramOffInstance))
}

func (p *SharedParameters) SHMName() string {
	return p.seg.String(p.seg.U32(p.off + paramOffSHMName))
}

func (p *SharedParameters) InverseSHMName() string {
	return p.seg.String(p.seg.U32(p.off + paramOffInvSHMName))
}

func (p *SharedParameters) CrashDumpsPath() string {
	return p.seg.String(p.seg.U32(p.off + paramOffCrashPath))
}

func (p *SharedParameters) OverlayPath() string {
	return p.seg.String(p.seg.U32(p.off + paramOffOverlayPath))
}

// setSHMNames republishes the tree segment names after a rebuild.
func (p *SharedParameters) setSHMNames(shmName, invName string) error {
	if err := p.seg.SetString(p.off+paramOffSHMName, data.TruncateParameter(shmName)); err != nil {
		return err
	}
	return p.seg.SetString(p.off+paramOffInvSHMName, data.TruncateParameter(invName))
}

// DebugMode may be read without a guard; it is a single byte and nothing
// depends on its ordering against tree state.
func (p *SharedParameters) DebugMode() bool {
	return p.seg.U8(p.off+paramOffDebug) != 0
}

func (p *SharedParameters) SetDebugMode(debug bool) {
	var v uint8
	if debug {
		v = 1
	}
	p.seg.PutU8(p.off+paramOffDebug, v)
}

func (p *SharedParameters) LogLevel() data.LogLevel {
	return data.LogLevel(p.seg.U8(p.off + paramOffLogLevel))
}

func (p *SharedParameters) SetLogLevel(level data.LogLevel) {
	p.seg.PutU8(p.off+paramOffLogLevel, uint8(level))
}

func (p *SharedParameters) CrashDumpsType() data.CrashDumpsType {
	return data.CrashDumpsType(p.seg.U8(p.off + paramOffCrashType))
}

func (p *SharedParameters) SetCrashDumpsType(t data.CrashDumpsType) {
	p.seg.PutU8(p.off+paramOffCrashType, uint8(t))
}

// UserCount returns the number of attached processes.
func (p *SharedParameters) UserCount() int {
	return int(p.seg.U32(p.off + paramOffUserCount))
}

func (p *SharedParameters) incUserCount() int {
	n := p.seg.U32(p.off+paramOffUserCount) + 1
	p.seg.PutU32(p.off+paramOffUserCount, n)
	return int(n)
}

func (p *SharedParameters) decUserCount() int {
	n := p.seg.U32(p.off + paramOffUserCount)
	if n > 0 {
		n--
	}
	p.seg.PutU32(p.off+paramOffUserCount, n)
	return int(n)
}

// MakeLocal produces the configuration seed handed to a child process.
func (p *SharedParameters) MakeLocal() data.Parameters {
	return data.Parameters{
		InstanceName:   p.InstanceName(),
		SHMName:        p.SHMName(),
		InverseSHMName: p.InverseSHMName(),
		DebugMode:      p.DebugMode(),
		LogLevel:       p.LogLevel(),
		CrashDumpsType: p.CrashDumpsType(),
		CrashDumpsPath: p.CrashDumpsPath(),
		OverlayPath:    p.OverlayPath(),
	}
}

// Process registry.

func (p *SharedParameters) registerProcess(pid uint32) error {
	hdr := p.off + paramOffProcessList
	if p.seg.ListIndex(hdr, pid) >= 0 {
		return nil
	}
	return p.seg.ListAppend(hdr, pid)
}

func (p *SharedParameters) unregisterProcess(pid uint32) {
	hdr := p.off + paramOffProcessList
	if i := p.seg.ListIndex(hdr, pid); i >= 0 {
		p.seg.ListRemoveAt(hdr, i)
	}
}

func (p *SharedParameters) processes() []uint32 {
	hdr := p.off + paramOffProcessList
	count := p.seg.ListLen(hdr)
	pids := make([]uint32, count)
	for i := 0; i < count; i++ {
		pids[i] = p.seg.ListGet(hdr, i)
	}
	return pids
}

// Executable blacklist.

func (p *SharedParameters) addBlacklist(item string) error {
	off, err := p.seg.PutString(data.TruncateParameter(item))
	if err != nil {
		return err
	}
	return p.seg.ListAppend(p.off+paramOffBlacklist, off)
}

func (p *SharedParameters) clearBlacklist() {
	seg := p.seg
	seg.ListClear(p.off+paramOffBlacklist, func(strOff uint32) {
		seg.FreeString(strOff)
	})
}

func (p *SharedParameters) blacklistItems() []string {
	hdr := p.off + paramOffBlacklist
	count := p.seg.ListLen(hdr)
	items := make([]string, count)
	for i := 0; i < count; i++ {
		items[i] = p.seg.String(p.seg.ListGet(hdr, i))
	}
	return items
}

// Pair lists: forced libraries and both trackers share the shape.

func (p *SharedParameters) pairAdd(hdr uint32, from, to string) error {
	entry, err := p.seg.Alloc(pairSize)
	if err != nil {
		return err
	}

	fromOff, err := p.seg.PutString(from)
	if err != nil {
		p.seg.Free(entry)
		return err
	}
	toOff, err := p.seg.PutString(to)
	if err != nil {
		p.seg.FreeString(fromOff)
		p.seg.Free(entry)
		return err
	}

	p.seg.PutU32(entry+pairOffFrom, fromOff)
	p.seg.PutU32(entry+pairOffTo, toOff)

	if err := p.seg.ListAppend(hdr, entry); err != nil {
		p.freePair(entry)
		return err
	}
	return nil
}

func (p *SharedParameters) pairFind(hdr uint32, from string) (int, uint32) {
	count := p.seg.ListLen(hdr)
	for i := 0; i < count; i++ {
		entry := p.seg.ListGet(hdr, i)
		if data.EqualFold(p.seg.String(p.seg.U32(entry+pairOffFrom)), from) {
			return i, entry
		}
	}
	return -1, 0
}

func (p *SharedParameters) pairForget(hdr uint32, from string) bool {
	i, entry := p.pairFind(hdr, from)
	if i < 0 {
		return false
	}
	p.seg.ListRemoveAt(hdr, i)
	p.freePair(entry)
	return true
}

func (p *SharedParameters) pairLookup(hdr uint32, from string) string {
	if _, entry := p.pairFind(hdr, from); entry != 0 {
		return p.seg.String(p.seg.U32(entry + pairOffTo))
	}
	return ""
}

func (p *SharedParameters) pairClear(hdr uint32) {
	seg := p.seg
	seg.ListClear(hdr, func(entry uint32) {
		seg.FreeString(seg.U32(entry + pairOffFrom))
		seg.FreeString(seg.U32(entry + pairOffTo))
		seg.Free(entry)
	})
}

func (p *SharedParameters) freePair(entry uint32) {
	p.seg.FreeString(p.seg.U32(entry + pairOffFrom))
	p.seg.FreeString(p.seg.U32(entry + pairOffTo))
	p.seg.Free(entry)
}

func (p *SharedParameters) deletedFilesHdr() uint32 {
	return p.off + paramOffDeletedFiles
}

func (p *SharedParameters) fakeDirsHdr() uint32 {
	return p.off + paramOffFakeDirs
}

func (p *SharedParameters) forcedLibsHdr() uint32 {
	return p.off + paramOffForcedLibs
}
