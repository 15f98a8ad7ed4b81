package chunk

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/module"
)

// Assembler partitions module graphs into chunks.
type Assembler struct {
	// DuplicateThreshold is the largest shared module, in bytes of code, that
	// is copied into every consumer instead of being hoisted. Zero disables
	// duplication.
	DuplicateThreshold int
	// Salt is mixed into every chunk hash. It identifies the runtime and the
	// settings baked into emitted code.
	Salt string
}

type root struct {
	id   module.Identity
	name string
	kind Kind
}

// Assemble builds the chunk graph for g. Deferred imports in g and the
// given split points seed async chunks. Chunks whose hash matches the chunk
// of the same name in prev are reused as they are.
func (a *Assembler) Assemble(g *graph.Graph, entries []Entry, splitPoints []module.Identity, prev *ChunkGraph) *ChunkGraph {
	cg := &ChunkGraph{
		chunks:     make(map[string]*Chunk),
		membership: make(map[module.Identity][]string),
		async:      make(map[module.Identity]string),
		eliminated: make(module.Set),
		generation: g.Generation(),
	}

	roots := a.roots(g, entries, splitPoints, cg)

	// owners[m] lists the roots whose static closure contains m
	closures := make(map[string]module.Set, len(roots))
	owners := make(map[module.Identity][]string)
	for _, r := range roots {
		closure := staticClosure(g, r.id)
		closures[r.name] = closure
		for _, m := range closure.Sorted() {
			owners[m] = append(owners[m], r.name)
		}
	}

	members := make(map[string]module.Set)
	add := func(name string, m module.Identity) {
		if members[name] == nil {
			members[name] = make(module.Set)
		}
		members[name].Add(m)
	}
	kinds := make(map[string]Kind)
	rootOf := make(map[string]module.Identity)
	for _, r := range roots {
		kinds[r.name] = r.kind
		rootOf[r.name] = r.id
		members[r.name] = make(module.Set)
	}

	for _, m := range g.Identities() {
		names := owners[m]
		switch {
		case len(names) == 0:
			continue
		case len(names) == 1:
			add(names[0], m)
		case a.DuplicateThreshold > 0 && codeSize(g, m) <= a.DuplicateThreshold:
			for _, n := range names {
				add(n, m)
			}
		default:
			name := commonName(names)
			kinds[name] = KindCommon
			add(name, m)
		}
	}

	// Elimination is by content, not by use: a pure module with empty code
	// is dropped wherever it is imported, and a referenced module with code
	// always stays.
	for _, m := range g.Identities() {
		if rec, _ := g.Get(m); rec != nil && rec.Eliminable() {
			cg.eliminated.Add(m)
		}
	}
	for name, set := range members {
		for m := range set {
			cg.membership[m] = append(cg.membership[m], name)
		}
	}
	for m := range cg.membership {
		sort.Strings(cg.membership[m])
	}

	// Every chunk with a root depends on the common chunks holding parts of
	// its closure.
	dependsOn := make(map[string][]string)
	for _, r := range roots {
		var deps []string
		for m := range closures[r.name] {
			for _, holder := range cg.membership[m] {
				if kinds[holder] == KindCommon && !slices.Contains(deps, holder) {
					deps = append(deps, holder)
				}
			}
		}
		sort.Strings(deps)
		dependsOn[r.name] = deps
	}

	for name, set := range members {
		c := &Chunk{
			Name:       name,
			Kind:       kinds[name],
			Root:       rootOf[name],
			DependsOn:  dependsOn[name],
			Generation: g.Generation(),
		}
		digests := make([]uint64, 0, len(set))
		c.order = topological(g, set)
		for _, m := range c.order {
			if cg.eliminated.Has(m) {
				c.Extracted = append(c.Extracted, m)
			} else {
				c.Modules = append(c.Modules, m)
			}
			rec, _ := g.Get(m)
			digests = append(digests, a.memberDigest(rec, cg))
		}
		module.Sort(c.Extracted)
		c.Hash = ContentHash(a.salt(c), digests)

		if prev != nil {
			if old, ok := prev.chunks[name]; ok && old.Hash == c.Hash && slices.Equal(old.DependsOn, c.DependsOn) {
				c = old
			}
		}
		cg.chunks[name] = c
	}

	cg.names = chunkOrder(roots, cg.chunks)
	return cg
}

// roots lists entries in configuration order followed by split points in
// canonical order, each with a unique chunk name.
func (a *Assembler) roots(g *graph.Graph, entries []Entry, splitPoints []module.Identity, cg *ChunkGraph) []root {
	used := make(map[string]bool)
	byID := make(map[module.Identity]string)
	var out []root
	for _, e := range entries {
		if _, ok := g.Get(e.Identity); !ok {
			continue
		}
		used[e.Name] = true
		byID[e.Identity] = e.Name
		out = append(out, root{id: e.Identity, name: e.Name, kind: KindEntry})
	}

	points := make(module.Set)
	for _, id := range g.Identities() {
		for _, dep := range g.AsyncDependencies(id) {
			points.Add(dep)
		}
	}
	for _, id := range splitPoints {
		if _, ok := g.Get(id); ok {
			points.Add(id)
		}
	}

	for _, id := range points.Sorted() {
		if name, ok := byID[id]; ok {
			cg.async[id] = name
			continue
		}
		name := uniqueName(id.Stem(), used)
		used[name] = true
		byID[id] = name
		cg.async[id] = name
		out = append(out, root{id: id, name: name, kind: KindAsync})
	}
	return out
}

func uniqueName(base string, used map[string]bool) string {
	if base == "" {
		base = "chunk"
	}
	name := base
	for i := 2; used[name]; i++ {
		name = base + "~" + strconv.Itoa(i)
	}
	return name
}

func commonName(owners []string) string {
	sorted := slices.Clone(owners)
	sort.Strings(sorted)
	return "common~" + strings.Join(sorted, "~")
}

// staticClosure follows static edges from id. Deferred edges end the walk.
func staticClosure(g *graph.Graph, id module.Identity) module.Set {
	seen := make(module.Set)
	stack := []module.Identity{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := g.Get(cur); !ok || !seen.Add(cur) {
			continue
		}
		stack = append(stack, g.Dependencies(cur)...)
	}
	return seen
}

// topological orders set with dependencies first; ties and cycles break by
// canonical path.
func topological(g *graph.Graph, set module.Set) []module.Identity {
	var order []module.Identity
	visited := make(module.Set, len(set))
	var visit func(id module.Identity)
	visit = func(id module.Identity) {
		if !visited.Add(id) {
			return
		}
		deps := g.Dependencies(id)
		module.Sort(deps)
		for _, dep := range deps {
			if set.Has(dep) {
				visit(dep)
			}
		}
		order = append(order, id)
	}
	for _, id := range set.Sorted() {
		visit(id)
	}
	return order
}

func codeSize(g *graph.Graph, id module.Identity) int {
	rec, ok := g.Get(id)
	if !ok {
		return 0
	}
	return len(rec.Code)
}

func (a *Assembler) salt(c *Chunk) string {
	s := a.Salt + "\x00" + c.Name + "\x00" + string(c.Kind)
	if c.Kind == KindEntry {
		s += "\x00" + c.Root.String()
	}
	return s
}

// memberDigest covers everything that ends up in the emitted bytes for rec:
// its code and map, the targets its specifiers resolve to, and the assets
// it references.
func (a *Assembler) memberDigest(rec *module.Record, cg *ChunkGraph) uint64 {
	d := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = d.WriteString(p)
			_, _ = d.Write([]byte{0})
		}
	}

	write(rec.Identity.String())
	_, _ = d.Write(rec.Code)
	write("")
	_, _ = d.Write(rec.Map)
	write("")

	specs := make([]string, 0, len(rec.Resolved))
	for spec := range rec.Resolved {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	for _, spec := range specs {
		to := rec.Resolved[spec]
		write(spec, to.String(), strconv.FormatBool(cg.eliminated.Has(to)))
	}
	for _, spec := range rec.AsyncSpecifiers {
		if to, ok := rec.Resolved[spec]; ok {
			write("async", spec, cg.async[to])
		}
	}
	for _, asset := range rec.Assets {
		write(asset.Name, string(asset.Kind), strconv.FormatUint(asset.Digest(), 16))
	}
	return d.Sum64()
}

func chunkOrder(roots []root, chunks map[string]*Chunk) []string {
	var names []string
	var rest []string
	for _, r := range roots {
		if r.kind == KindEntry {
			names = append(names, r.name)
		}
	}
	for name := range chunks {
		if !slices.Contains(names, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
