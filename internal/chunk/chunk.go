// Package chunk partitions a module graph into loadable chunks.
package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"

	"github.com/conneroisu/bundlr/internal/module"
)

// Kind classifies chunks.
type Kind string

const (
	KindEntry  Kind = "entry"
	KindCommon Kind = "common"
	KindAsync  Kind = "async"
)

// Entry names an entry module.
type Entry struct {
	Name     string
	Identity module.Identity
}

// Chunk is a set of modules emitted together.
type Chunk struct {
	Name string
	Kind Kind
	// Root is the entry or split point that seeded the chunk. Common chunks
	// have no root.
	Root module.Identity
	// Modules are the members that contribute code, dependencies first.
	Modules []module.Identity
	// Extracted members contribute no code; only their assets are emitted.
	Extracted []module.Identity
	// DependsOn lists chunks that must be loaded before this one.
	DependsOn  []string
	Hash       string
	Generation module.Generation

	order []module.Identity
}

// Members returns code and extracted members together, dependencies first.
// Stylesheets are concatenated in this order.
func (c *Chunk) Members() []module.Identity {
	return slices.Clone(c.order)
}

// ChunkGraph is the result of one assembly.
type ChunkGraph struct {
	chunks     map[string]*Chunk
	names      []string
	membership map[module.Identity][]string
	async      map[module.Identity]string
	eliminated module.Set
	generation module.Generation
}

// Chunk returns the chunk called name.
func (cg *ChunkGraph) Chunk(name string) (*Chunk, bool) {
	c, ok := cg.chunks[name]
	return c, ok
}

// Names returns the chunk names: entries in configuration order, then
// common and async chunks by name.
func (cg *ChunkGraph) Names() []string { return slices.Clone(cg.names) }

// Chunks returns the chunks in Names order.
func (cg *ChunkGraph) Chunks() []*Chunk {
	out := make([]*Chunk, len(cg.names))
	for i, n := range cg.names {
		out[i] = cg.chunks[n]
	}
	return out
}

// ChunksOf returns the names of the chunks that contain id.
func (cg *ChunkGraph) ChunksOf(id module.Identity) []string {
	return slices.Clone(cg.membership[id])
}

// AsyncChunk returns the chunk loaded for a deferred import of id.
func (cg *ChunkGraph) AsyncChunk(id module.Identity) (string, bool) {
	name, ok := cg.async[id]
	return name, ok
}

// Eliminated reports whether id was dropped from chunk code.
func (cg *ChunkGraph) Eliminated(id module.Identity) bool {
	return cg.eliminated.Has(id)
}

// Generation is the generation of the module graph that was assembled.
func (cg *ChunkGraph) Generation() module.Generation { return cg.generation }

// LoadOrder returns the chunks to load for name, dependencies first and
// name last.
func (cg *ChunkGraph) LoadOrder(name string) []string {
	var order []string
	seen := make(map[string]bool)
	var visit func(n string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		if c, ok := cg.chunks[n]; ok {
			for _, dep := range c.DependsOn {
				visit(dep)
			}
		}
		order = append(order, n)
	}
	visit(name)
	return order
}

// ContentHash combines member digests into a chunk hash. The result does not
// depend on the order of digests.
func ContentHash(salt string, digests []uint64) string {
	sorted := slices.Clone(digests)
	slices.Sort(sorted)

	h := sha256.New()
	h.Write([]byte(salt))
	var buf [8]byte
	for _, d := range sorted {
		binary.BigEndian.PutUint64(buf[:], d)
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
