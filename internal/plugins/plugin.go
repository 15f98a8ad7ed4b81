// Package plugins is the hook registry of the bundler. Plugins register
// typed hook functions keyed by lifecycle stage and, for transforms, by file
// type tag. Hooks are plain functions composed by explicit chaining; a stage
// never reaches into another stage's state.
package plugins

import (
	"context"

	"github.com/conneroisu/bundlr/internal/module"
)

// Plugin contributes hooks to a Registry.
type Plugin interface {
	// Name returns the unique name of the plugin
	Name() string

	// Setup registers the plugin's hooks
	Setup(r *Registry) error
}

// Stage names a point in the build lifecycle.
type Stage string

const (
	StageResolve     Stage = "resolve"
	StageTransform   Stage = "transform"
	StageBeforeChunk Stage = "beforeChunk"
	StageEmit        Stage = "emit"
)

// Unit is the value threaded through a transform chain. Each stage receives
// the previous stage's Unit and returns a new one.
type Unit struct {
	Code []byte
	Map  []byte

	// Dependencies and AsyncDependencies are declared by stages in addition
	// to whatever is detected in the final code.
	Dependencies      []string
	AsyncDependencies []string
	Assets            []module.Asset

	// Pure marks the module free of side effects.
	Pure bool
	// HotAccept marks the module as safe to swap without a full reload.
	HotAccept bool
}

// TransformContext describes the module being transformed.
type TransformContext struct {
	Identity   module.Identity
	Production bool
	SourceMaps bool
}

// TransformFunc is one stage of a transform chain.
type TransformFunc func(ctx context.Context, tc TransformContext, in Unit) (Unit, error)

// TransformStage is a named, versioned transform step. Lower priorities run
// first; equal priorities keep registration order.
type TransformStage struct {
	Name     string
	Version  string
	Priority int
	Run      TransformFunc
}

// ResolveHook may claim a specifier before the default resolver runs. It
// returns ok=false to pass.
type ResolveHook func(ctx context.Context, specifier string, from module.Identity) (id module.Identity, ok bool, err error)

// ChunkPlan is handed to beforeChunk hooks. Hooks may add split points.
type ChunkPlan struct {
	Entries     []module.Identity
	SplitPoints []module.Identity
	Records     map[module.Identity]*module.Record
}

// BeforeChunkHook runs after the module graph is complete and before chunks
// are assembled.
type BeforeChunkHook func(ctx context.Context, plan *ChunkPlan) error

// EmitFile describes one artifact written by the emitter.
type EmitFile struct {
	Chunk    string
	FileName string
	Kind     string
	Entry    bool
	// Imports are the chunk names that must load before this one, in order.
	Imports []string
}

// EmitContext is handed to emit hooks after chunk artifacts are written and
// before the manifest is published.
type EmitContext struct {
	Generation module.Generation
	PublicPath string
	Files      []EmitFile
	// Write stores an extra artifact in the output directory.
	Write func(name string, data []byte) error
}

// EmitHook runs once per emission.
type EmitHook func(ctx context.Context, ec *EmitContext) error
