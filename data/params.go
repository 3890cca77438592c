package data

import (
	"strings"
	"unicode/utf8"
)

// MaxParameterString is the longest string accepted across the attach
// boundary. Over-long seed strings are truncated, never rejected.
const MaxParameterString = 260

// LogLevel controls the verbosity of the instance-wide logger.
type LogLevel uint8

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	}
	return "info"
}

// ParseLogLevel maps a level name to its LogLevel. Unknown names fall
// back to LogInfo.
func ParseLogLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LogDebug
	case "info":
		return LogInfo
	case "warn", "warning":
		return LogWarning
	case "error":
		return LogError
	}
	return LogInfo
}

// CrashDumpsType selects the crash-dump policy for attached processes.
// The dump writer itself lives outside the core; the policy only travels
// with the shared parameters.
type CrashDumpsType uint8

const (
	DumpNone CrashDumpsType = iota
	DumpMini
	DumpFull
)

func (t CrashDumpsType) String() string {
	switch t {
	case DumpMini:
		return "mini"
	case DumpFull:
		return "full"
	}
	return "none"
}

// ParseCrashDumpsType maps a policy name to its CrashDumpsType.
func ParseCrashDumpsType(name string) CrashDumpsType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mini":
		return DumpMini
	case "full":
		return DumpFull
	}
	return DumpNone
}

// Parameters is the configuration seed passed across the attach boundary.
// The first process to attach publishes these values into the configuration
// segment; later processes adopt whatever is already published.
type Parameters struct {
	InstanceName   string
	SHMName        string
	InverseSHMName string
	DebugMode      bool
	LogLevel       LogLevel
	CrashDumpsType CrashDumpsType
	CrashDumpsPath string

	// OverlayPath is the per-instance writable root used to materialize
	// copy-on-write files. Write operations fail until it is configured.
	OverlayPath string
}

// Truncated returns a copy with every string clipped to MaxParameterString.
func (p Parameters) Truncated() Parameters {
	p.InstanceName = TruncateParameter(p.InstanceName)
	p.SHMName = TruncateParameter(p.SHMName)
	p.InverseSHMName = TruncateParameter(p.InverseSHMName)
	p.CrashDumpsPath = TruncateParameter(p.CrashDumpsPath)
	p.OverlayPath = TruncateParameter(p.OverlayPath)
	return p
}

// TruncateParameter clips s to at most MaxParameterString bytes, backing
// off to the previous rune boundary so the stored string stays valid
// UTF-8.
func TruncateParameter(s string) string {
	if len(s) <= MaxParameterString {
		return s
	}

	cut := MaxParameterString
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
