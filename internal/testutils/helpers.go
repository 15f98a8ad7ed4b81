// Package testutils provides fixtures shared by package tests: in-memory
// projects, a transformer that treats sources as already-lowered code, and
// graph construction helpers.
package testutils

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conneroisu/bundlr/internal/config"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/pipeline"
	"github.com/conneroisu/bundlr/internal/resolver"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// WriteFiles writes every file of files into fs.
func WriteFiles(t testing.TB, fs afero.Fs, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	}
}

// NewProject returns an in-memory filesystem holding files.
func NewProject(t testing.TB, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	WriteFiles(t, fs, files)
	return fs
}

// Resolver adapts a filesystem resolver to the graph builder.
type Resolver struct {
	*resolver.Resolver
}

// NewResolver resolves .ts and .js extensions, in that order.
func NewResolver(fs afero.Fs) Resolver {
	return Resolver{resolver.New(fs, resolver.Options{Extensions: []string{".ts", ".js", ".css"}}, nil)}
}

// Resolve implements graph.Resolver.
func (r Resolver) Resolve(_ context.Context, spec string, from module.Identity) (module.Identity, error) {
	return r.Resolver.Resolve(spec, from)
}

// Transformer treats sources as CommonJS. Stylesheets become extracted
// style assets, images become file assets, and sources containing SYNTAX
// fail to transform.
type Transformer struct {
	calls int64
}

// Calls returns the number of transforms run.
func (tr *Transformer) Calls() int64 { return atomic.LoadInt64(&tr.calls) }

// ChainVersion implements graph.Transformer.
func (tr *Transformer) ChainVersion(module.Identity) string { return "fixture@1" }

// Transform implements graph.Transformer.
func (tr *Transformer) Transform(_ context.Context, id module.Identity, raw []byte) (*module.Record, error) {
	atomic.AddInt64(&tr.calls, 1)
	rec := &module.Record{
		Identity:     id,
		Fingerprint:  module.Fingerprint(raw),
		ChainVersion: tr.ChainVersion(id),
	}
	src := string(raw)

	switch id.Type() {
	case "css":
		rec.Assets = []module.Asset{{Name: id.Stem() + ".css", Kind: module.AssetStyle, Content: raw}}
		rec.HotAccept = true
		return rec, nil
	case "png", "svg":
		rec.Code = []byte("module.exports = " + strconv.Quote(module.AssetPlaceholder(id)) + ";\n")
		rec.Assets = []module.Asset{{Name: path.Base(id.Path), Kind: module.AssetFile, Content: raw}}
		return rec, nil
	}

	if strings.Contains(src, "SYNTAX") {
		return nil, &bundlrerrors.TransformError{Stage: "fixture", Module: id.String(), Line: 1, Column: 1, Cause: errors.New("unexpected token")}
	}
	rec.Code = raw
	rec.Specifiers, rec.AsyncSpecifiers = pipeline.Scan(raw)
	rec.SideEffects = true
	rec.HotAccept = strings.Contains(src, "module.hot.accept(")
	return rec, nil
}

// NewBuilder returns a graph builder over fs using the fixture transformer.
func NewBuilder(fs afero.Fs) (*graph.Builder, *Transformer) {
	tr := &Transformer{}
	return graph.NewBuilder(fs, NewResolver(fs), tr, 4, nil), tr
}

// BuildGraph builds the graph for the given entry paths.
func BuildGraph(t testing.TB, fs afero.Fs, gen module.Generation, entries ...string) *graph.Graph {
	t.Helper()
	b, _ := NewBuilder(fs)
	ids := make([]module.Identity, len(entries))
	for i, e := range entries {
		ids[i] = module.NewIdentity(e, "")
	}
	g, err := b.Build(context.Background(), ids, gen)
	require.NoError(t, err)
	return g
}

// ID is shorthand for an identity without a variant.
func ID(p string) module.Identity {
	return module.NewIdentity(p, "")
}

// NewConfig returns a development configuration rooted at context with
// every default filled in. entries defaults to src/index.ts.
func NewConfig(context string, entries ...string) *config.Config {
	if len(entries) == 0 {
		entries = []string{"src/index.ts"}
	}
	return &config.Config{
		Context: context,
		Mode:    config.ModeDevelopment,
		Entries: entries,
		Resolve: config.ResolveConfig{
			Alias:      map[string]string{},
			Extensions: []string{".ts", ".js", ".css", ".svelte"},
			MainFields: []string{"svelte", "browser", "module", "main"},
		},
		Output: config.OutputConfig{
			Path:          "dist",
			Filename:      "[name].[chunkhash:8].js",
			ChunkFilename: "[name].[chunkhash:8].js",
			CSSFilename:   "[name].[contenthash:8].css",
			PublicPath:    "/",
			HashLength:    8,
		},
		Build:  config.BuildConfig{Workers: 4, CacheSizeMB: 16},
		Server: config.ServerConfig{Host: "127.0.0.1", Hot: true, HistoryAPIFallback: true},
		Watch:  config.WatchConfig{Debounce: 10 * time.Millisecond, Ignore: []string{"node_modules", ".git", "dist"}, Paths: []string{"."}},
		HTML:   config.HTMLConfig{Filename: "index.html"},
		Assets: config.AssetsConfig{Filename: "[name].[hash:8][ext]", Hashed: true},
		Log:    config.LogConfig{Level: "error", Format: "text"},
	}
}
