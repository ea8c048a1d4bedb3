// Package pathpolicy implements the KV path normalization and validation
// rules: leading/repeated slash collapsing, a length ceiling,
// a restricted character class, and a ban on ".." segments. It is a leaf
// package with no internal dependencies other than the error taxonomy.
package pathpolicy

import (
	"strings"

	"github.com/oakfield/driftctl/internal/apierr"
)

// MaxLength is the maximum normalized path length.
const MaxLength = 512

// Normalize strips leading slashes and collapses repeated slashes. It does
// not validate length or charset — call Validate for that.
func Normalize(raw string) string {
	raw = strings.TrimLeft(raw, "/")
	parts := strings.Split(raw, "/")
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/")
}

// Validate checks a normalized path: length <= 512, the
// character class [A-Za-z0-9._/-], and no ".." segment.
func Validate(path string) error {
	if path == "" {
		return apierr.New(apierr.InvalidArgument, "pathpolicy.Validate", "kv.empty_path", "key must not be empty")
	}
	if len(path) > MaxLength {
		return apierr.New(apierr.InvalidArgument, "pathpolicy.Validate", "kv.path_too_long", "key exceeds maximum length of 512")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return apierr.New(apierr.InvalidArgument, "pathpolicy.Validate", "kv.dotdot_segment", "key must not contain a \"..\" segment")
		}
	}
	for _, r := range path {
		if !isAllowedRune(r) {
			return apierr.New(apierr.InvalidArgument, "pathpolicy.Validate", "kv.invalid_char",
				"key contains a character outside [A-Za-z0-9._/-]")
		}
	}
	return nil
}

func isAllowedRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '/' || r == '-':
		return true
	default:
		return false
	}
}

// NormalizeAndValidate applies Normalize then Validate in one call, the
// common path for every KV operation entry point.
func NormalizeAndValidate(raw string) (string, error) {
	n := Normalize(raw)
	if err := Validate(n); err != nil {
		return "", err
	}
	return n, nil
}

// ServiceRoot returns the key prefix every path belonging to serviceID is
// rooted under.
func ServiceRoot(serviceID string) string {
	return "services/" + serviceID
}

// FullKey joins a service root with a relative path.
func FullKey(serviceID, relativePath string) string {
	root := ServiceRoot(serviceID)
	relativePath = strings.TrimLeft(relativePath, "/")
	if relativePath == "" {
		return root
	}
	return root + "/" + relativePath
}

// ExtractRelativePath strips serviceID's root prefix from fullKey, exposing
// the relative path a client submitted. Returns false if fullKey does not
// belong to serviceID's prefix.
func ExtractRelativePath(serviceID, fullKey string) (string, bool) {
	root := ServiceRoot(serviceID)
	fullKey = Normalize(fullKey)
	if fullKey == root {
		return "", true
	}
	prefix := root + "/"
	if !strings.HasPrefix(fullKey, prefix) {
		return "", false
	}
	return strings.TrimPrefix(fullKey, prefix), true
}
