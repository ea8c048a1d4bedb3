// Package confsnapshot implements the canonical configuration snapshot and
// hashing algorithm: a deterministic digest of a service's
// effective configuration that the plane and the instance agree on
// byte-for-byte.
package confsnapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SourceKind tags where a Property came from. Only Central is included in a
// snapshot; Local, System, Env, and Random sources are always excluded.
type SourceKind int

const (
	Central SourceKind = iota
	Local
	System
	Env
	Random
)

// PropertySource is one named, ordered set of properties, in
// highest-precedence-first order across sources.
type PropertySource struct {
	Kind       SourceKind
	Properties map[string]string
	// Order lists keys in this source's own precedence order, for sources
	// (like layered property files) where map iteration order would be
	// nondeterministic but insertion order still matters within the source.
	// If empty, keys are consumed in sorted order, which is equivalent for
	// the purpose of first-seen-wins across sources.
	Order []string
}

// Header holds the optional header lines emitted before the property lines.
// Each field is included only when non-nil; a nil field emits no line.
type Header struct {
	Application *string
	Profile     *string
	Label       *string
	Version     *string
}

// excludedPrefixes are key prefixes never included in the canonical string.
var excludedPrefixes = []string{
	"random.",
	"local.server.port",
	"local.management.port",
	"management.metrics",
	"logging.",
	"spring.application.instance_id",
	"info.",
	"server.address",
	"java.",
	"sun.",
	"user.",
}

// excludedSubstrings are lowercase key substrings that always filter a key.
var excludedSubstrings = []string{"password", "secret", "token", "credential"}

// isExcluded reports whether key must be dropped from the snapshot.
func isExcluded(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range excludedSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Collect merges sources into a single sorted map of effective properties:
// only Central sources are considered, excluded keys are dropped, and the
// first-seen (highest-precedence) value wins on conflict. Sources are
// consumed in the order given; PropertySource.Order,
// when set, fixes intra-source precedence for otherwise-unordered maps.
func Collect(sources []PropertySource) map[string]string {
	result := make(map[string]string)
	seen := make(map[string]bool)

	for _, src := range sources {
		if src.Kind != Central {
			continue
		}
		for _, key := range orderedKeys(src) {
			if isExcluded(key) {
				continue
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			result[key] = src.Properties[key]
		}
	}
	return result
}

// orderedKeys returns src's keys in deterministic order: its declared Order
// if set, else lexicographic — never raw map iteration order, which Go does
// not guarantee to be stable.
func orderedKeys(src PropertySource) []string {
	if len(src.Order) > 0 {
		return src.Order
	}
	keys := make([]string, 0, len(src.Properties))
	for k := range src.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Canonical builds the canonical string for hashing: optional header lines,
// in the fixed order application/profile/label/version, each present only
// when non-nil, followed by key=value lines in ascending key order. Property
// values that are the empty string are still emitted; values must already be
// normalized to their source text form by the caller; confsnapshot never
// mutates a value's formatting.
func Canonical(sources []PropertySource, header Header) string {
	props := Collect(sources)

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	writeHeaderLine(&b, "application", header.Application)
	writeHeaderLine(&b, "profile", header.Profile)
	writeHeaderLine(&b, "label", header.Label)
	writeHeaderLine(&b, "version", header.Version)

	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
		b.WriteByte('\n')
	}

	return b.String()
}

func writeHeaderLine(b *strings.Builder, name string, value *string) {
	if value == nil {
		return
	}
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(*value)
	b.WriteByte('\n')
}

// Hash returns the lowercase hex SHA-256 digest of the canonical string for
// sources and header.
func Hash(sources []PropertySource, header Header) string {
	sum := sha256.Sum256([]byte(Canonical(sources, header)))
	return hex.EncodeToString(sum[:])
}
