package module

import (
	"maps"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Generation identifies one full or incremental rebuild. Every record, chunk
// and artifact carries the generation that last produced it.
type Generation uint64

// AssetKind classifies side-channel outputs of a transform.
type AssetKind string

const (
	// AssetStyle is extracted CSS that is concatenated per chunk.
	AssetStyle AssetKind = "style"
	// AssetFile is a static file copied byte for byte into the output.
	AssetFile AssetKind = "file"
)

// AssetPlaceholder is written into module code wherever the output URL of
// the module's file asset belongs. The emitter replaces it once the final
// asset name is known.
func AssetPlaceholder(id Identity) string {
	return "__BUNDLR_ASSET__(" + id.String() + ")"
}

// URLPlaceholder stands for the output URL of the file a stylesheet
// references through spec. The emitter resolves spec against the owning
// record.
func URLPlaceholder(spec string) string {
	return "__BUNDLR_URL__(" + spec + ")"
}

// Asset is a side-channel output produced while transforming a module.
type Asset struct {
	Name    string
	Kind    AssetKind
	Content []byte
}

// Digest returns a content hash of the asset.
func (a Asset) Digest() uint64 {
	return xxhash.Sum64(a.Content)
}

// Record is the transformed form of one module. Records are treated as
// immutable once they are committed to a graph; rebuilds replace them.
type Record struct {
	Identity    Identity
	Fingerprint uint64

	// Specifiers are the static import specifiers in the order they appear.
	Specifiers []string
	// AsyncSpecifiers are deferred-import markers that seed async chunks.
	AsyncSpecifiers []string
	// Resolved maps every specifier (static and async) to its target.
	Resolved map[string]Identity

	Code   []byte
	Map    []byte
	Assets []Asset

	SideEffects  bool
	HotAccept    bool
	ChainVersion string
	Generation   Generation
}

// Fingerprint hashes raw module source.
func Fingerprint(raw []byte) uint64 {
	return xxhash.Sum64(raw)
}

// Clone returns a copy whose slices and map can be modified independently.
func (r *Record) Clone() *Record {
	c := *r
	c.Specifiers = slices.Clone(r.Specifiers)
	c.AsyncSpecifiers = slices.Clone(r.AsyncSpecifiers)
	c.Resolved = maps.Clone(r.Resolved)
	c.Assets = slices.Clone(r.Assets)
	return &c
}

// Dependencies returns the resolved static dependencies in specifier order,
// without duplicates.
func (r *Record) Dependencies() []Identity {
	return r.targets(r.Specifiers)
}

// AsyncDependencies returns the resolved deferred dependencies.
func (r *Record) AsyncDependencies() []Identity {
	return r.targets(r.AsyncSpecifiers)
}

func (r *Record) targets(specs []string) []Identity {
	out := make([]Identity, 0, len(specs))
	seen := make(Set, len(specs))
	for _, spec := range specs {
		id, ok := r.Resolved[spec]
		if !ok || !seen.Add(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Eliminable reports whether the module contributes no code: a stage marked
// it free of side effects and it exports nothing.
func (r *Record) Eliminable() bool {
	if r.SideEffects {
		return false
	}
	for _, b := range r.Code {
		switch b {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

// Size approximates the memory held by the record.
func (r *Record) Size() int64 {
	n := len(r.Code) + len(r.Map)
	for _, a := range r.Assets {
		n += len(a.Content)
	}
	return int64(n)
}
