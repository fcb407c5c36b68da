package transcript

import (
	"fmt"
	"strings"
)

// sanitizePrefix validates an S3 key prefix component by component,
// rejecting traversal and empty segments before the prefix is ever joined
// into an upload key. Adapted from this codebase's path-component
// validator guarding agent/storage/backup names against traversal
// (internal/server/sanitize.go's validatePathComponent), applied here to
// the archiver's configured S3 prefix instead of a filesystem path.
func sanitizePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	for _, part := range strings.Split(prefix, "/") {
		if part == "" {
			return fmt.Errorf("transcript: archive prefix %q has an empty path segment", prefix)
		}
		if part == "." || part == ".." || strings.HasPrefix(part, "..") {
			return fmt.Errorf("transcript: archive prefix %q contains path traversal", prefix)
		}
		if strings.ContainsRune(part, 0) {
			return fmt.Errorf("transcript: archive prefix %q contains a null byte", prefix)
		}
	}
	return nil
}
