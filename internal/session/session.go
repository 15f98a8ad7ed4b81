// Package session owns the mutable state of a build: the current module
// graph, chunk graph, emitter and generation counter. Builds run one at a
// time; the dev server and the one-shot build both drive a Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/conneroisu/bundlr/internal/chunk"
	"github.com/conneroisu/bundlr/internal/config"
	"github.com/conneroisu/bundlr/internal/emit"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/metrics"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/pipeline"
	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/conneroisu/bundlr/internal/plugins/builtin"
	"github.com/conneroisu/bundlr/internal/resolver"
	"github.com/spf13/afero"
)

// Options configure a Session.
type Options struct {
	// FS holds the sources.
	FS afero.Fs
	// OutputFS receives artifacts. Nil writes to FS.
	OutputFS afero.Fs
	Config   *config.Config
	Logger   logging.Logger
	// Registry carries the plugins. Nil installs the built-in loaders and
	// the HTML document plugin.
	Registry *plugins.Registry
	Metrics  *metrics.Metrics
}

// Outcome describes one successful build.
type Outcome struct {
	Generation module.Generation
	Kind       string
	Graph      *graph.Graph
	Chunks     *chunk.ChunkGraph
	Result     *emit.Result
	// Affected is nil for cold builds.
	Affected *graph.AffectedSet
	Duration time.Duration
}

// Session is a build session.
type Session struct {
	cfg      *config.Config
	logger   logging.Logger
	registry *plugins.Registry
	metrics  *metrics.Metrics

	manifests *resolver.PackageJSONReader
	resolver  *resolver.Resolver
	pipeline  *pipeline.Pipeline
	builder   *graph.Builder
	assembler *chunk.Assembler
	emitter   *emit.Emitter

	// build serialises builds; everything below it is only touched while
	// it is held.
	build      sync.Mutex
	generation module.Generation
	entries    []chunk.Entry
	graph      *graph.Graph
	chunks     *chunk.ChunkGraph
	// pending keeps the changes of failed rebuilds so the next attempt
	// re-reads those paths too.
	pending []graph.Change

	state sync.RWMutex
	last  *Outcome
}

// New creates a Session.
func New(opts Options) (*Session, error) {
	if opts.FS == nil {
		return nil, errors.New("session: filesystem is required")
	}
	if opts.Config == nil {
		return nil, errors.New("session: configuration is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	out := opts.OutputFS
	if out == nil {
		out = opts.FS
	}

	registry := opts.Registry
	if registry == nil {
		registry = plugins.NewRegistry()
		html := &builtin.HTMLOptions{Template: cfg.Abs(cfg.HTML.Template), Filename: cfg.HTML.Filename}
		if err := builtin.Register(registry, opts.FS, builtin.Options{HTML: html}); err != nil {
			return nil, fmt.Errorf("register built-in plugins: %w", err)
		}
	}

	manifests := resolver.NewPackageJSONReader(opts.FS)
	res := resolver.New(opts.FS, resolver.Options{
		Alias:      cfg.AliasTargets(),
		Extensions: cfg.Resolve.Extensions,
		MainFields: cfg.Resolve.MainFields,
		Roots:      cfg.ResolveRoots(),
		Fallback:   cfg.Resolve.Fallback,
	}, manifests)

	cache := pipeline.NewCache(int64(cfg.Build.CacheSizeMB) << 20)
	pl := pipeline.New(registry, cache, pipeline.Options{
		Production: cfg.Production(),
		SourceMaps: cfg.Output.SourceMaps,
	})

	emitOpts := EmitOptions(cfg)
	s := &Session{
		cfg:       cfg,
		logger:    logger.WithComponent("session"),
		registry:  registry,
		metrics:   opts.Metrics,
		manifests: manifests,
		resolver:  res,
		pipeline:  pl,
		builder:   graph.NewBuilder(opts.FS, hookedResolver{hooks: registry, base: res}, pl, cfg.Build.Workers, logger),
		assembler: &chunk.Assembler{DuplicateThreshold: cfg.Build.DuplicateThreshold, Salt: emit.Salt(emitOpts)},
		emitter:   emit.New(out, emitOpts, registry, logger),
	}
	return s, nil
}

// EmitOptions derives emitter options from cfg.
func EmitOptions(cfg *config.Config) emit.Options {
	return emit.Options{
		OutDir:        cfg.OutputDir(),
		Context:       cfg.Context,
		PublicPath:    cfg.Output.PublicPath,
		HashLength:    cfg.Output.HashLength,
		Filename:      cfg.Output.Filename,
		ChunkFilename: cfg.Output.ChunkFilename,
		CSSFilename:   cfg.Output.CSSFilename,
		AssetFilename: cfg.Assets.Filename,
		HashAssets:    cfg.Assets.Hashed,
		SourceMaps:    cfg.Output.SourceMaps,
		Clean:         cfg.Output.Clean,
	}
}

// Config returns the session configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Registry returns the plugin registry.
func (s *Session) Registry() *plugins.Registry { return s.registry }

// Last returns the outcome of the last successful build, or nil.
func (s *Session) Last() *Outcome {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.last
}

// Generation returns the generation of the last build attempt.
func (s *Session) Generation() module.Generation {
	s.build.Lock()
	defer s.build.Unlock()
	return s.generation
}

// CacheStats returns transform cache statistics.
func (s *Session) CacheStats() pipeline.CacheStats {
	return s.pipeline.Cache().Stats()
}

// Build runs a cold build of the configured entries. Failures return a
// *errors.BuildError and leave the previous build current.
func (s *Session) Build(ctx context.Context) (*Outcome, error) {
	s.build.Lock()
	defer s.build.Unlock()
	return s.cold(ctx)
}

// Rebuild applies changes to the current graph. Without a previous
// successful build it runs a cold build instead.
func (s *Session) Rebuild(ctx context.Context, changes []graph.Change) (*Outcome, error) {
	s.build.Lock()
	defer s.build.Unlock()

	if s.graph == nil {
		return s.cold(ctx)
	}

	s.generation++
	gen := s.generation
	start := time.Now()
	op := logging.StartOperation(ctx, s.logger, "rebuild", "generation", gen, "changes", len(changes))

	all := mergeChanges(s.pending, changes)
	for _, c := range all {
		if path.Base(module.Canonical(c.Path)) == "package.json" {
			s.manifests.Invalidate()
			break
		}
	}

	outcome, err := s.incremental(ctx, all, gen)
	if err != nil {
		s.pending = all
		err = bundlrerrors.NewBuildError(uint64(gen), err)
		op.End(err)
		s.metrics.RecordBuild(metrics.BuildIncremental, time.Since(start), err)
		return nil, err
	}
	s.pending = nil
	outcome.Duration = op.End(nil,
		"changed", len(outcome.Affected.Changed), "added", len(outcome.Affected.Added),
		"removed", len(outcome.Affected.Removed), "rendered", len(outcome.Result.ChangedChunks))
	s.commit(outcome)
	s.metrics.RecordBuild(metrics.BuildIncremental, outcome.Duration, nil)
	s.metrics.RecordTransformed(outcome.Affected.Transformed)
	return outcome, nil
}

func (s *Session) cold(ctx context.Context) (*Outcome, error) {
	s.generation++
	gen := s.generation
	op := logging.StartOperation(ctx, s.logger, "build", "generation", gen)

	outcome, err := s.coldBuild(ctx, gen)
	if err != nil {
		err = bundlrerrors.NewBuildError(uint64(gen), err)
		d := op.End(err)
		s.metrics.RecordBuild(metrics.BuildCold, d, err)
		return nil, err
	}
	s.pending = nil
	outcome.Duration = op.End(nil,
		"modules", outcome.Graph.Len(), "chunks", len(outcome.Chunks.Names()),
		"written", len(outcome.Result.Written))
	s.commit(outcome)
	s.metrics.RecordBuild(metrics.BuildCold, outcome.Duration, nil)
	return outcome, nil
}

func (s *Session) coldBuild(ctx context.Context, gen module.Generation) (*Outcome, error) {
	entries, err := s.resolveEntries()
	if err != nil {
		return nil, err
	}
	ids := make([]module.Identity, len(entries))
	for i, e := range entries {
		ids[i] = e.Identity
	}

	g, err := s.builder.Build(ctx, ids, gen)
	if err != nil {
		return nil, err
	}
	// a cold build starts chunk reuse from scratch
	cg, res, err := s.chunkAndEmit(ctx, g, entries, nil, gen)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return &Outcome{Generation: gen, Kind: metrics.BuildCold, Graph: g, Chunks: cg, Result: res}, nil
}

func (s *Session) incremental(ctx context.Context, changes []graph.Change, gen module.Generation) (*Outcome, error) {
	g, affected, err := s.builder.Rebuild(ctx, s.graph, changes, gen)
	if err != nil {
		return nil, err
	}
	cg, res, err := s.chunkAndEmit(ctx, g, s.entries, s.chunks, gen)
	if err != nil {
		return nil, err
	}
	return &Outcome{Generation: gen, Kind: metrics.BuildIncremental, Graph: g, Chunks: cg, Result: res, Affected: affected}, nil
}

func (s *Session) chunkAndEmit(ctx context.Context, g *graph.Graph, entries []chunk.Entry, prev *chunk.ChunkGraph, gen module.Generation) (*chunk.ChunkGraph, *emit.Result, error) {
	plan := &plugins.ChunkPlan{Entries: g.Entries(), Records: g.Records()}
	if err := s.registry.RunBeforeChunk(ctx, plan); err != nil {
		return nil, nil, err
	}
	cg := s.assembler.Assemble(g, entries, plan.SplitPoints, prev)
	res, err := s.emitter.Emit(ctx, g, cg, gen)
	if err != nil {
		return nil, nil, err
	}
	return cg, res, nil
}

func (s *Session) resolveEntries() ([]chunk.Entry, error) {
	points := s.cfg.EntryPoints()
	entries := make([]chunk.Entry, 0, len(points))
	var errs []error
	seen := make(map[string]bool, len(points))
	for _, p := range points {
		if seen[p.Name] {
			errs = append(errs, &bundlrerrors.ConfigError{Field: "entries", Message: fmt.Sprintf("duplicate entry name %q", p.Name)})
			continue
		}
		seen[p.Name] = true
		id, err := s.resolver.ResolveEntry(p.Path, s.cfg.Context)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, chunk.Entry{Name: p.Name, Identity: id})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return entries, nil
}

func (s *Session) commit(o *Outcome) {
	s.graph = o.Graph
	s.chunks = o.Chunks

	var written int64
	for _, name := range o.Result.Written {
		if a, ok := o.Result.Artifact(name); ok {
			written += a.Size
		}
	}
	stats := s.pipeline.Cache().Stats()
	s.metrics.UpdateGraph(uint64(o.Generation), o.Graph.Len(), len(o.Chunks.Names()))
	s.metrics.RecordWritten(len(o.Result.Written), written)
	s.metrics.UpdateCache(stats.Entries, stats.Hits, stats.Misses)

	s.state.Lock()
	s.last = o
	s.state.Unlock()
}

// mergeChanges combines change lists by path. A creation or deletion wins
// over a modification of the same path.
func mergeChanges(lists ...[]graph.Change) []graph.Change {
	var out []graph.Change
	index := make(map[string]int)
	for _, list := range lists {
		for _, c := range list {
			p := module.Canonical(c.Path)
			if i, ok := index[p]; ok {
				if c.Kind != graph.Modified || out[i].Kind == graph.Modified {
					out[i].Kind = c.Kind
				}
				continue
			}
			index[p] = len(out)
			out = append(out, graph.Change{Path: p, Kind: c.Kind})
		}
	}
	return out
}

// hookedResolver consults resolve hooks before the filesystem resolver.
type hookedResolver struct {
	hooks *plugins.Registry
	base  *resolver.Resolver
}

func (r hookedResolver) Resolve(ctx context.Context, spec string, from module.Identity) (module.Identity, error) {
	id, ok, err := r.hooks.Resolve(ctx, spec, from)
	if err != nil {
		return module.Identity{}, err
	}
	if ok {
		return id, nil
	}
	return r.base.Resolve(spec, from)
}
