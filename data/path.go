package data

import (
	"errors"
	"strings"
)

// ErrInvalidPath reports a virtual path that cannot be canonicalized.
var ErrInvalidPath = errors.New("usvfs: invalid path")

// Device and namespace prefixes stripped during canonicalization. Target
// applications hand paths to the intercepted entry points in any of these
// spellings; the virtual tree only ever sees the canonical form.
var devicePrefixes = []string{`\\?\`, `\??\`, `\\.\`, `//?/`, `//./`}

// Canonicalize converts a virtual path as received from an intercepted call
// into the canonical form used as a tree key: forward slashes, a single
// leading slash, no `.` or `..` components, no device prefix, no drive
// letter. Original character case is preserved.
func Canonicalize(path string) (string, error) {
	for _, prefix := range devicePrefixes {
		if strings.HasPrefix(path, prefix) {
			path = path[len(prefix):]
			break
		}
	}

	path = strings.ReplaceAll(path, `\`, "/")

	// Drop a drive designator; the synthetic root covers all volumes.
	if len(path) >= 2 && path[1] == ':' && isDriveLetter(path[0]) {
		path = path[2:]
	}

	components := make([]string, 0, 8)
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
		case "..":
			if len(components) == 0 {
				return "", ErrInvalidPath
			}
			components = components[:len(components)-1]
		default:
			components = append(components, comp)
		}
	}

	return "/" + strings.Join(components, "/"), nil
}

// Split breaks a canonical path into its components. The root path yields
// an empty slice.
func Split(canonical string) []string {
	trimmed := strings.Trim(canonical, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Fold produces the case-insensitive projection used for keying. Original
// case is stored alongside; only comparisons go through Fold.
func Fold(s string) string {
	return strings.ToLower(s)
}

// EqualFold reports whether two path components match case-insensitively.
func EqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Join appends a component to a canonical path.
func Join(canonical, name string) string {
	if canonical == "/" || canonical == "" {
		return "/" + name
	}
	return canonical + "/" + name
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
