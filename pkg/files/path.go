package files

import "fmt"

// MaxPathLen bounds a path's byte length: a UUID prefix plus a client
// filename comfortably fit in 192 bytes (spec.md §6).
const MaxPathLen = 192

// ValidatePath enforces spec.md §6's path rule: non-empty, at most
// MaxPathLen bytes, drawn only from [a-zA-Z0-9._-].
func ValidatePath(path string) error {
	if len(path) == 0 {
		return fmt.Errorf("files: empty path: %w", ErrNotValid)
	}

	if len(path) > MaxPathLen {
		return fmt.Errorf("files: path length %d exceeds %d: %w", len(path), MaxPathLen, ErrNotValid)
	}

	for i := 0; i < len(path); i++ {
		if !validPathByte(path[i]) {
			return fmt.Errorf("files: path byte %q at offset %d not valid: %w", path[i], i, ErrNotValid)
		}
	}

	return nil
}

func validPathByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-':
		return true
	default:
		return false
	}
}
