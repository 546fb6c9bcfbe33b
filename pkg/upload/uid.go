package upload

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var uidPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewUID returns a random 32 character hex identifier.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidUID reports whether uid has the shape NewUID produces.
func ValidUID(uid string) bool {
	return uidPattern.MatchString(uid)
}

// URLPattern matches absolute or path-only URLs of uploads under basePath.
func URLPattern(basePath string) *regexp.Regexp {
	basePath = "/" + strings.Trim(basePath, "/")
	return regexp.MustCompile(`^(?:https?://[^/]+)?` + regexp.QuoteMeta(basePath) + `/[0-9a-f]{32}/?$`)
}
