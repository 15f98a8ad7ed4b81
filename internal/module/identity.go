// Package module defines the identities and records that flow through the
// bundler: every stage from resolution to emission speaks in these types.
package module

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// EmptyPath is the path of the synthetic module that fallback specifiers
// resolve to. It can never collide with a file on disk.
const EmptyPath = "\x00empty"

// Identity uniquely names a module: a canonical file path plus an optional
// variant qualifier (for example the extracted style block of a component).
type Identity struct {
	Path    string
	Variant string
}

// Canonical cleans p, converts it to forward slashes and applies Unicode NFC
// normalisation so that two spellings of the same file compare equal.
func Canonical(p string) string {
	if p == "" || p == EmptyPath {
		return p
	}
	p = filepath.ToSlash(filepath.Clean(p))
	return norm.NFC.String(p)
}

// NewIdentity returns the canonical identity for a path and variant.
func NewIdentity(p, variant string) Identity {
	return Identity{Path: Canonical(p), Variant: norm.NFC.String(variant)}
}

// Empty returns the identity of the empty module.
func Empty() Identity {
	return Identity{Path: EmptyPath}
}

// ParseIdentity is the inverse of Identity.String.
func ParseIdentity(s string) Identity {
	if i := strings.LastIndexByte(s, '?'); i >= 0 {
		return NewIdentity(s[:i], s[i+1:])
	}
	return NewIdentity(s, "")
}

// String renders the identity as "path" or "path?variant".
func (id Identity) String() string {
	if id.Variant == "" {
		return id.Path
	}
	return id.Path + "?" + id.Variant
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Path == "" && id.Variant == ""
}

// IsEmptyModule reports whether id names the synthetic empty module.
func (id Identity) IsEmptyModule() bool {
	return id.Path == EmptyPath
}

// Type returns the file-type tag used to select a transform chain: the
// variant when one is set, otherwise the lower-cased extension without dot.
func (id Identity) Type() string {
	if id.Variant != "" {
		return id.Variant
	}
	ext := path.Ext(id.Path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Dir returns the directory containing the module's file.
func (id Identity) Dir() string {
	return path.Dir(id.Path)
}

// Stem returns the file name without directory and extension.
func (id Identity) Stem() string {
	base := path.Base(id.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Less orders identities by canonical path, then by variant.
func Less(a, b Identity) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.Variant < b.Variant
}

// Sort sorts ids in place by canonical path.
func Sort(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })
}

// Set is an unordered collection of identities.
type Set map[Identity]struct{}

// Add inserts id and reports whether it was newly added.
func (s Set) Add(id Identity) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Has reports membership.
func (s Set) Has(id Identity) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members ordered by canonical path.
func (s Set) Sorted() []Identity {
	out := make([]Identity, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	Sort(out)
	return out
}
