// Package graph holds the module graph and the builder that produces it.
//
// A Graph is immutable once committed. Rebuilds work on a clone and replace
// records instead of mutating them, so a failed rebuild leaves the previous
// graph untouched.
package graph

import (
	"fmt"
	"maps"
	"slices"

	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/module"
)

// Graph is a set of module records joined by their resolved dependencies.
type Graph struct {
	records    map[module.Identity]*module.Record
	entries    []module.Identity
	cycles     [][]module.Identity
	generation module.Generation

	dependents map[module.Identity][]module.Identity
}

func newGraph(entries []module.Identity, gen module.Generation) *Graph {
	return &Graph{
		records:    make(map[module.Identity]*module.Record),
		entries:    slices.Clone(entries),
		generation: gen,
	}
}

// Get returns the record for id.
func (g *Graph) Get(id module.Identity) (*module.Record, bool) {
	r, ok := g.records[id]
	return r, ok
}

// Len returns the number of modules.
func (g *Graph) Len() int { return len(g.records) }

// Entries returns the entry identities in configuration order.
func (g *Graph) Entries() []module.Identity { return slices.Clone(g.entries) }

// Generation returns the generation that committed the graph.
func (g *Graph) Generation() module.Generation { return g.generation }

// Identities returns every identity in canonical order.
func (g *Graph) Identities() []module.Identity {
	ids := make([]module.Identity, 0, len(g.records))
	for id := range g.records {
		ids = append(ids, id)
	}
	module.Sort(ids)
	return ids
}

// Records returns a copy of the record index.
func (g *Graph) Records() map[module.Identity]*module.Record {
	return maps.Clone(g.records)
}

// Dependencies returns the static dependencies of id in specifier order.
func (g *Graph) Dependencies(id module.Identity) []module.Identity {
	if r, ok := g.records[id]; ok {
		return r.Dependencies()
	}
	return nil
}

// AsyncDependencies returns the deferred dependencies of id.
func (g *Graph) AsyncDependencies(id module.Identity) []module.Identity {
	if r, ok := g.records[id]; ok {
		return r.AsyncDependencies()
	}
	return nil
}

// Dependents returns the modules that import id, statically or deferred, in
// canonical order.
func (g *Graph) Dependents(id module.Identity) []module.Identity {
	index := g.dependents
	if index == nil {
		index = g.buildIndex()
	}
	return slices.Clone(index[id])
}

func (g *Graph) buildIndex() map[module.Identity][]module.Identity {
	index := make(map[module.Identity][]module.Identity)
	for _, from := range g.Identities() {
		r := g.records[from]
		seen := make(module.Set)
		for _, to := range append(r.Dependencies(), r.AsyncDependencies()...) {
			if seen.Add(to) {
				index[to] = append(index[to], from)
			}
		}
	}
	return index
}

// seal finalises a graph before it is committed.
func (g *Graph) seal() {
	g.cycles = g.findCycles()
	g.dependents = g.buildIndex()
}

// Cycles returns the circular static import chains found by the last build.
func (g *Graph) Cycles() [][]module.Identity {
	out := make([][]module.Identity, len(g.cycles))
	for i, c := range g.cycles {
		out[i] = slices.Clone(c)
	}
	return out
}

// CycleWarnings reports every cycle as a non-fatal diagnostic.
func (g *Graph) CycleWarnings() []*bundlrerrors.CycleWarning {
	out := make([]*bundlrerrors.CycleWarning, 0, len(g.cycles))
	for _, c := range g.cycles {
		names := make([]string, len(c))
		for i, id := range c {
			names[i] = id.String()
		}
		out = append(out, &bundlrerrors.CycleWarning{Cycle: names})
	}
	return out
}

// Clone returns a graph sharing the records but not the index.
func (g *Graph) Clone() *Graph {
	return &Graph{
		records:    maps.Clone(g.records),
		entries:    slices.Clone(g.entries),
		cycles:     g.Cycles(),
		generation: g.generation,
	}
}

// Reachable returns every identity reachable from roots through static and
// deferred edges, roots included.
func (g *Graph) Reachable(roots ...module.Identity) module.Set {
	seen := make(module.Set)
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		r, ok := g.records[id]
		if !ok || !seen.Add(id) {
			continue
		}
		stack = append(stack, r.Dependencies()...)
		stack = append(stack, r.AsyncDependencies()...)
	}
	return seen
}

// Validate checks that every edge points at a record in the graph.
func (g *Graph) Validate() error {
	for _, id := range g.Identities() {
		r := g.records[id]
		for _, spec := range append(slices.Clone(r.Specifiers), r.AsyncSpecifiers...) {
			to, ok := r.Resolved[spec]
			if !ok {
				return fmt.Errorf("module %s: specifier %q is unresolved", id, spec)
			}
			if _, ok := g.records[to]; !ok {
				return fmt.Errorf("module %s: dependency %s is not in the graph", id, to)
			}
		}
	}
	return nil
}

// prune removes records unreachable from the entries and returns them.
// A reachable module is never dropped here, even when no code uses its
// exports. Dropping modules from chunk code is decided later by
// Record.Eliminable, which looks at purity and empty code instead of
// references.
func (g *Graph) prune() []module.Identity {
	live := g.Reachable(g.entries...)
	var removed []module.Identity
	for id := range g.records {
		if !live.Has(id) {
			removed = append(removed, id)
			delete(g.records, id)
		}
	}
	module.Sort(removed)
	return removed
}

// findCycles walks static edges depth first in canonical order and records
// each back edge as a cycle.
func (g *Graph) findCycles() [][]module.Identity {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[module.Identity]int, len(g.records))
	var stack []module.Identity
	var cycles [][]module.Identity

	var visit func(id module.Identity)
	visit = func(id module.Identity) {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.Dependencies(id) {
			if _, ok := g.records[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case visiting:
				start := slices.Index(stack, dep)
				cycle := slices.Clone(stack[start:])
				cycles = append(cycles, append(cycle, dep))
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	roots := append(slices.Clone(g.entries), g.Identities()...)
	for _, id := range roots {
		if _, ok := g.records[id]; ok && state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}
