package misc

import "strings"

// IsNotFoundError reports whether err describes a missing record, across
// the store backends (filesystem, bbolt, keyring).
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}
