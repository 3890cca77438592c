package log

import "github.com/frames/usvfs/data"

type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

func (l LogLevel) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FromShared maps the instance-wide level carried in the shared parameters
// onto the logger's level.
func FromShared(level data.LogLevel) LogLevel {
	switch level {
	case data.LogDebug:
		return Debug
	case data.LogWarning:
		return Warn
	case data.LogError:
		return Error
	default:
		return Info
	}
}
