package mirror

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Artifact is a validated file under the content root. Once committed it is
// never rewritten; removal is left to retention tooling.
type Artifact struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Checksum Checksum  `json:"checksum,omitzero"`
}

// CleanPath normalises a logical path into a slash-separated path relative to
// the content root. Dot segments are resolved against the root so the result
// can never escape it. The root itself is returned as "".
func CleanPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("invalid path %q: contains NUL", p)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/"), nil
}

// IsHidden reports whether any segment of a cleaned path starts with a dot.
// Staging files (".tmp-*") and dotfiles are never served or listed.
func IsHidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
