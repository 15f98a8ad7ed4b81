package graph

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"slices"

	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Resolver maps an import specifier to a module identity.
type Resolver interface {
	Resolve(ctx context.Context, specifier string, from module.Identity) (module.Identity, error)
}

// Transformer produces a record from raw source.
type Transformer interface {
	Transform(ctx context.Context, id module.Identity, raw []byte) (*module.Record, error)
	ChainVersion(id module.Identity) string
}

// ChangeKind classifies a file-system change.
type ChangeKind int

const (
	Modified ChangeKind = iota
	Created
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	default:
		return "modified"
	}
}

// Change is one changed path reported by a change source.
type Change struct {
	Path string
	Kind ChangeKind
}

// AffectedSet describes what an incremental rebuild did.
type AffectedSet struct {
	// Changed modules existed before and now carry the new generation.
	Changed []module.Identity
	// Added modules were discovered by the rebuild.
	Added []module.Identity
	// Removed modules were deleted or became unreachable.
	Removed []module.Identity
	// Stale modules were touched by a change or import one that was. Only
	// those whose content changed were transformed again.
	Stale []module.Identity
	// Transformed counts transform invocations.
	Transformed int
}

// Empty reports whether the rebuild changed nothing.
func (a *AffectedSet) Empty() bool {
	return len(a.Changed)+len(a.Added)+len(a.Removed) == 0
}

// Touched returns changed, added and removed identities in canonical order.
func (a *AffectedSet) Touched() []module.Identity {
	out := make([]module.Identity, 0, len(a.Changed)+len(a.Added)+len(a.Removed))
	out = append(out, a.Changed...)
	out = append(out, a.Added...)
	out = append(out, a.Removed...)
	module.Sort(out)
	return out
}

// Builder constructs and incrementally updates module graphs.
type Builder struct {
	fs          afero.Fs
	resolver    Resolver
	transformer Transformer
	workers     int
	logger      logging.Logger
}

// NewBuilder creates a builder running at most workers transforms at once.
func NewBuilder(fs afero.Fs, resolver Resolver, transformer Transformer, workers int, logger logging.Logger) *Builder {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{
		fs:          fs,
		resolver:    resolver,
		transformer: transformer,
		workers:     workers,
		logger:      logger.WithComponent("graph"),
	}
}

// Build constructs the graph reachable from entries.
func (b *Builder) Build(ctx context.Context, entries []module.Identity, gen module.Generation) (*Graph, error) {
	g := newGraph(entries, gen)
	var errs []error

	wave := dedupe(entries)
	transformed, err := b.expand(ctx, g, wave, gen, &errs)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, bundlrerrors.NewBuildError(uint64(gen), errs...)
	}

	g.seal()
	b.reportCycles(ctx, g)
	b.logger.Debug(ctx, "module graph built", "modules", g.Len(), "transforms", transformed, "generation", gen)
	return g, nil
}

// Rebuild applies changes to prev and returns a new graph. prev is never
// modified; on failure it remains the current graph.
func (b *Builder) Rebuild(ctx context.Context, prev *Graph, changes []Change, gen module.Generation) (*Graph, *AffectedSet, error) {
	g := prev.Clone()
	g.generation = gen
	affected := &AffectedSet{}
	var errs []error

	changed := make(map[string]ChangeKind, len(changes))
	structural := false
	for _, c := range changes {
		p := module.Canonical(c.Path)
		changed[p] = c.Kind
		if c.Kind != Modified || path.Base(p) == "package.json" {
			structural = true
		}
	}

	var direct []module.Identity
	for _, id := range prev.Identities() {
		if _, ok := changed[id.Path]; ok {
			direct = append(direct, id)
		}
	}
	affected.Stale = ancestors(prev, direct)

	// Re-read directly changed modules and transform those whose content or
	// chain differs.
	type job struct {
		id  module.Identity
		raw []byte
	}
	var jobs []job
	deleted := make(module.Set)
	for _, id := range direct {
		old := g.records[id]
		raw, err := b.read(id)
		if err != nil {
			if isNotExist(err) && !slices.Contains(g.entries, id) {
				delete(g.records, id)
				deleted.Add(id)
				continue
			}
			errs = append(errs, err)
			continue
		}
		if module.Fingerprint(raw) == old.Fingerprint && b.transformer.ChainVersion(id) == old.ChainVersion {
			continue
		}
		jobs = append(jobs, job{id: id, raw: raw})
	}

	results := make([]*module.Record, len(jobs))
	failures := make([]error, len(jobs))
	eg := errgroup.Group{}
	eg.SetLimit(b.workers)
	for i, j := range jobs {
		eg.Go(func() error {
			results[i], failures[i] = b.transformer.Transform(ctx, j.id, j.raw)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	affected.Transformed = len(jobs)

	var discovered []module.Identity
	for i, j := range jobs {
		if failures[i] != nil {
			errs = append(errs, failures[i])
			continue
		}
		rec := results[i]
		rec.Generation = gen
		old := prev.records[j.id]
		rec.Resolved = make(map[string]module.Identity, len(rec.Specifiers)+len(rec.AsyncSpecifiers))
		for _, spec := range specifiers(rec) {
			if to, ok := old.Resolved[spec]; ok && !structural {
				rec.Resolved[spec] = to
				continue
			}
			to, err := b.resolver.Resolve(ctx, spec, rec.Identity)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rec.Resolved[spec] = to
		}
		g.records[j.id] = rec
		affected.Changed = append(affected.Changed, j.id)
		discovered = append(discovered, b.missing(g, rec)...)
	}

	// Creations and deletions can change what any specifier resolves to.
	if structural {
		retransformed := make(module.Set, len(jobs))
		for _, j := range jobs {
			retransformed.Add(j.id)
		}
		for _, id := range g.Identities() {
			if retransformed.Has(id) {
				continue
			}
			rec := g.records[id]
			resolved := make(map[string]module.Identity, len(rec.Resolved))
			failed := false
			for _, spec := range specifiers(rec) {
				to, err := b.resolver.Resolve(ctx, spec, id)
				if err != nil {
					errs = append(errs, err)
					failed = true
					continue
				}
				resolved[spec] = to
			}
			if failed || sameResolution(rec.Resolved, resolved) {
				continue
			}
			next := rec.Clone()
			next.Resolved = resolved
			next.Generation = gen
			g.records[id] = next
			affected.Changed = append(affected.Changed, id)
			discovered = append(discovered, b.missing(g, next)...)
		}
	}

	if len(errs) == 0 {
		n, err := b.expand(ctx, g, dedupe(discovered), gen, &errs)
		if err != nil {
			return nil, nil, err
		}
		affected.Transformed += n
	}
	if len(errs) > 0 {
		return nil, nil, bundlrerrors.NewBuildError(uint64(gen), errs...)
	}

	for _, id := range g.Identities() {
		if _, existed := prev.records[id]; !existed {
			affected.Added = append(affected.Added, id)
		}
	}
	removed := g.prune()
	for id := range deleted {
		if _, ok := g.records[id]; !ok {
			removed = append(removed, id)
		}
	}
	affected.Removed = dedupe(removed)
	module.Sort(affected.Removed)
	affected.Added = slices.DeleteFunc(affected.Added, func(id module.Identity) bool {
		_, ok := g.records[id]
		return !ok
	})
	affected.Changed = slices.DeleteFunc(dedupe(affected.Changed), func(id module.Identity) bool {
		_, ok := g.records[id]
		return !ok
	})
	module.Sort(affected.Changed)

	if err := g.Validate(); err != nil {
		return nil, nil, bundlrerrors.NewBuildError(uint64(gen), err)
	}
	g.seal()
	b.reportCycles(ctx, g)
	b.logger.Debug(ctx, "module graph rebuilt",
		"changed", len(affected.Changed), "added", len(affected.Added),
		"removed", len(affected.Removed), "transforms", affected.Transformed, "generation", gen)
	return g, affected, nil
}

// expand builds every identity in wave and everything they import, one
// wave at a time. Transforms in a wave run in parallel; resolution happens
// after the wave's barrier in canonical order so results are deterministic.
func (b *Builder) expand(ctx context.Context, g *Graph, wave []module.Identity, gen module.Generation, errs *[]error) (int, error) {
	transformed := 0
	for len(wave) > 0 {
		module.Sort(wave)
		records := make([]*module.Record, len(wave))
		failures := make([]error, len(wave))

		eg := errgroup.Group{}
		eg.SetLimit(b.workers)
		for i, id := range wave {
			eg.Go(func() error {
				records[i], failures[i] = b.load(ctx, id)
				return nil
			})
		}
		_ = eg.Wait()
		if err := ctx.Err(); err != nil {
			return transformed, err
		}
		transformed += len(wave)

		scheduled := make(module.Set)
		var next []module.Identity
		for i, id := range wave {
			if failures[i] != nil {
				*errs = append(*errs, failures[i])
				continue
			}
			rec := records[i]
			rec.Generation = gen
			rec.Resolved = make(map[string]module.Identity, len(rec.Specifiers)+len(rec.AsyncSpecifiers))
			for _, spec := range specifiers(rec) {
				to, err := b.resolver.Resolve(ctx, spec, id)
				if err != nil {
					*errs = append(*errs, err)
					continue
				}
				rec.Resolved[spec] = to
			}
			g.records[id] = rec

			for _, dep := range b.missing(g, rec) {
				if scheduled.Add(dep) && !slices.Contains(wave, dep) {
					next = append(next, dep)
				}
			}
		}
		wave = next
	}
	return transformed, nil
}

func (b *Builder) load(ctx context.Context, id module.Identity) (*module.Record, error) {
	if id.IsEmptyModule() {
		return &module.Record{Identity: id}, nil
	}
	raw, err := b.read(id)
	if err != nil {
		return nil, err
	}
	return b.transformer.Transform(ctx, id, raw)
}

func (b *Builder) read(id module.Identity) ([]byte, error) {
	raw, err := afero.ReadFile(b.fs, id.Path)
	if err != nil {
		return nil, &bundlrerrors.TransformError{Stage: "read", Module: id.String(), Cause: err}
	}
	return raw, nil
}

// missing lists the dependencies of rec that have no record yet.
func (b *Builder) missing(g *Graph, rec *module.Record) []module.Identity {
	var out []module.Identity
	for _, spec := range specifiers(rec) {
		to, ok := rec.Resolved[spec]
		if !ok {
			continue
		}
		if _, exists := g.records[to]; !exists {
			out = append(out, to)
		}
	}
	return out
}

func (b *Builder) reportCycles(ctx context.Context, g *Graph) {
	for _, w := range g.CycleWarnings() {
		b.logger.Warn(ctx, w, "circular import")
	}
}

// ancestors returns ids and every module that transitively imports one of
// them, in canonical order.
func ancestors(g *Graph, ids []module.Identity) []module.Identity {
	seen := make(module.Set)
	stack := slices.Clone(ids)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.Add(id) {
			continue
		}
		stack = append(stack, g.Dependents(id)...)
	}
	return seen.Sorted()
}

func specifiers(rec *module.Record) []string {
	out := make([]string, 0, len(rec.Specifiers)+len(rec.AsyncSpecifiers))
	out = append(out, rec.Specifiers...)
	return append(out, rec.AsyncSpecifiers...)
}

func sameResolution(a, b map[string]module.Identity) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func dedupe(ids []module.Identity) []module.Identity {
	seen := make(module.Set, len(ids))
	out := make([]module.Identity, 0, len(ids))
	for _, id := range ids {
		if seen.Add(id) {
			out = append(out, id)
		}
	}
	return out
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
