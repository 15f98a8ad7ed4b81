package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/bundlr/internal/module"
)

type hook[T any] struct {
	name     string
	priority int
	seq      int
	fn       T
}

func insert[T any](hooks []hook[T], h hook[T]) []hook[T] {
	hooks = append(hooks, h)
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority < hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})
	return hooks
}

// Registry holds the hooks of every registered plugin.
type Registry struct {
	mu          sync.RWMutex
	seq         int
	plugins     []string
	resolve     []hook[ResolveHook]
	transforms  map[string][]hook[TransformStage]
	beforeChunk []hook[BeforeChunkHook]
	emit        []hook[EmitHook]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transforms: make(map[string][]hook[TransformStage])}
}

// Use registers a plugin. Plugin names must be unique.
func (r *Registry) Use(p Plugin) error {
	r.mu.Lock()
	for _, name := range r.plugins {
		if name == p.Name() {
			r.mu.Unlock()
			return fmt.Errorf("plugin %s already registered", p.Name())
		}
	}
	r.plugins = append(r.plugins, p.Name())
	r.mu.Unlock()

	if err := p.Setup(r); err != nil {
		return fmt.Errorf("setup plugin %s: %w", p.Name(), err)
	}
	return nil
}

// Plugins returns the names of registered plugins in registration order.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.plugins...)
}

func (r *Registry) next() int {
	r.seq++
	return r.seq
}

// OnResolve registers a resolve hook.
func (r *Registry) OnResolve(name string, priority int, fn ResolveHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolve = insert(r.resolve, hook[ResolveHook]{name: name, priority: priority, seq: r.next(), fn: fn})
}

// OnTransform appends stage to the chains of the given file types.
func (r *Registry) OnTransform(stage TransformStage, fileTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.next()
	for _, t := range fileTypes {
		t = strings.ToLower(t)
		r.transforms[t] = insert(r.transforms[t], hook[TransformStage]{name: stage.Name, priority: stage.Priority, seq: seq, fn: stage})
	}
}

// OnBeforeChunk registers a hook run before chunk assembly.
func (r *Registry) OnBeforeChunk(name string, priority int, fn BeforeChunkHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeChunk = insert(r.beforeChunk, hook[BeforeChunkHook]{name: name, priority: priority, seq: r.next(), fn: fn})
}

// OnEmit registers a hook run during emission.
func (r *Registry) OnEmit(name string, priority int, fn EmitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit = insert(r.emit, hook[EmitHook]{name: name, priority: priority, seq: r.next(), fn: fn})
}

// Chain returns the ordered transform stages for a file type.
func (r *Registry) Chain(fileType string) []TransformStage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := r.transforms[strings.ToLower(fileType)]
	out := make([]TransformStage, len(hooks))
	for i, h := range hooks {
		out[i] = h.fn
	}
	return out
}

// ChainVersion identifies the configuration of a file type's chain. Cached
// transform results are only valid for the same chain version.
func (r *Registry) ChainVersion(fileType string) string {
	chain := r.Chain(fileType)
	parts := make([]string, len(chain))
	for i, s := range chain {
		parts[i] = s.Name + "@" + s.Version
	}
	return strings.Join(parts, ">")
}

// FileTypes lists the file types that have a chain, sorted.
func (r *Registry) FileTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transforms))
	for t := range r.transforms {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolve offers specifier to the resolve hooks in order. The first hook
// that claims it wins.
func (r *Registry) Resolve(ctx context.Context, specifier string, from module.Identity) (module.Identity, bool, error) {
	r.mu.RLock()
	hooks := append([]hook[ResolveHook](nil), r.resolve...)
	r.mu.RUnlock()

	for _, h := range hooks {
		id, ok, err := h.fn(ctx, specifier, from)
		if err != nil {
			return module.Identity{}, false, fmt.Errorf("resolve hook %s: %w", h.name, err)
		}
		if ok {
			return id, true, nil
		}
	}
	return module.Identity{}, false, nil
}

// RunBeforeChunk runs every beforeChunk hook in order.
func (r *Registry) RunBeforeChunk(ctx context.Context, plan *ChunkPlan) error {
	r.mu.RLock()
	hooks := append([]hook[BeforeChunkHook](nil), r.beforeChunk...)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := h.fn(ctx, plan); err != nil {
			return fmt.Errorf("beforeChunk hook %s: %w", h.name, err)
		}
	}
	return nil
}

// RunEmit runs every emit hook in order.
func (r *Registry) RunEmit(ctx context.Context, ec *EmitContext) error {
	r.mu.RLock()
	hooks := append([]hook[EmitHook](nil), r.emit...)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := h.fn(ctx, ec); err != nil {
			return fmt.Errorf("emit hook %s: %w", h.name, err)
		}
	}
	return nil
}
