// Package emit turns chunk graphs into files: one script per chunk wrapped
// in the module runtime, extracted stylesheets, copied assets, source maps
// and a manifest describing how chunks load.
package emit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/conneroisu/bundlr/internal/chunk"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/spf13/afero"
)

// ManifestName is the file the runtime fetches before deferred loads.
const ManifestName = "manifest.json"

// Artifact kinds.
const (
	KindScript    = "js"
	KindStyle     = "css"
	KindSourceMap = "map"
	KindAsset     = "asset"
	KindManifest  = "manifest"
	KindExtra     = "extra"
)

// Options configure an Emitter.
type Options struct {
	OutDir string
	// Context is the project root. Module ids in emitted code are relative
	// to it.
	Context       string
	PublicPath    string
	HashLength    int
	Filename      string
	ChunkFilename string
	CSSFilename   string
	AssetFilename string
	HashAssets    bool
	SourceMaps    bool
	// Clean empties OutDir before the first emission and removes files that
	// later emissions no longer produce.
	Clean bool
}

// Salt identifies everything besides chunk membership that shapes emitted
// bytes. Assemblers feeding an Emitter mix it into chunk hashes.
func Salt(opts Options) string {
	return strings.Join([]string{
		RuntimeVersion,
		opts.PublicPath,
		opts.Context,
		opts.Filename,
		opts.ChunkFilename,
		opts.AssetFilename,
		strconv.FormatBool(opts.HashAssets),
		strconv.Itoa(opts.HashLength),
		strconv.FormatBool(opts.SourceMaps),
	}, "|")
}

// Hooks runs emit hooks.
type Hooks interface {
	RunEmit(ctx context.Context, ec *plugins.EmitContext) error
}

// Artifact is one emitted file.
type Artifact struct {
	Chunk      string
	FileName   string
	Kind       string
	Hash       string
	Size       int64
	Generation module.Generation
	Entry      bool
	Data       []byte
}

// ManifestChunk describes the files of one chunk.
type ManifestChunk struct {
	Kind string `json:"kind"`
	JS   string `json:"js"`
	CSS  string `json:"css,omitempty"`
	Hash string `json:"hash"`
	// Load lists the chunks to load, in order, ending with this one.
	Load []string `json:"load"`
}

// Manifest maps chunk names to files. It carries no generation so that
// re-emitting an unchanged build leaves it byte-identical.
type Manifest struct {
	PublicPath string                   `json:"publicPath"`
	Entries    []string                 `json:"entries"`
	Chunks     map[string]ManifestChunk `json:"chunks"`
	Assets     map[string]string        `json:"assets,omitempty"`
	Files      []string                 `json:"files,omitempty"`
}

// Result describes one emission.
type Result struct {
	// Artifacts are every file of the current output, manifest included.
	Artifacts []Artifact
	// Written lists the files whose bytes changed on disk.
	Written []string
	// ChangedChunks lists chunks that were rendered again.
	ChangedChunks []string
	Manifest      *Manifest
}

// Artifact returns the artifact called name.
func (r *Result) Artifact(name string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.FileName == name {
			return a, true
		}
	}
	return Artifact{}, false
}

type chunkOutput struct {
	hash      string
	artifacts []Artifact
	// urls are the asset URLs written into stylesheets of the chunk.
	urls map[module.Identity]string
}

// stale reports whether an asset URL baked into the output has changed.
func (o chunkOutput) stale(assetURLs map[module.Identity]string) bool {
	for id, url := range o.urls {
		if assetURLs[id] != url {
			return true
		}
	}
	return false
}

// Emitter writes chunk graphs to a filesystem. Chunks whose hash did not
// change since the previous emission are neither rendered nor written.
type Emitter struct {
	fs     afero.Fs
	opts   Options
	hooks  Hooks
	logger logging.Logger

	mu      sync.Mutex
	chunks  map[string]chunkOutput
	written map[string]uint64
	files   map[string]bool
	cleaned bool
}

// New creates an Emitter. hooks may be nil.
func New(fs afero.Fs, opts Options, hooks Hooks, logger logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.HashLength <= 0 {
		opts.HashLength = 8
	}
	if opts.Filename == "" {
		opts.Filename = "[name].[chunkhash].js"
	}
	if opts.ChunkFilename == "" {
		opts.ChunkFilename = "[name].[chunkhash].js"
	}
	if opts.CSSFilename == "" {
		opts.CSSFilename = "[name].[contenthash].css"
	}
	if opts.AssetFilename == "" {
		opts.AssetFilename = "[name].[hash][ext]"
	}
	return &Emitter{
		fs:      fs,
		opts:    opts,
		hooks:   hooks,
		logger:  logger.WithComponent("emit"),
		chunks:  make(map[string]chunkOutput),
		written: make(map[string]uint64),
		files:   make(map[string]bool),
	}
}

// Emit writes the artifacts of cg. The manifest is written last and only
// when every other artifact succeeded.
func (e *Emitter) Emit(ctx context.Context, g *graph.Graph, cg *chunk.ChunkGraph, gen module.Generation) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts.Clean && !e.cleaned {
		if err := e.clean(); err != nil {
			return nil, &bundlrerrors.EmitError{Chunk: "*", Cause: fmt.Errorf("clean %s: %w", e.opts.OutDir, err)}
		}
		e.cleaned = true
	}
	if err := e.fs.MkdirAll(e.opts.OutDir, 0o755); err != nil {
		return nil, &bundlrerrors.EmitError{Chunk: "*", Cause: err}
	}

	result := &Result{}
	current := make(map[string]bool)
	write := func(owner string, a Artifact) error {
		current[a.FileName] = true
		changed, err := e.writeIfChanged(a.FileName, a.Data)
		if err != nil {
			return &bundlrerrors.EmitError{Chunk: owner, Cause: err}
		}
		if changed {
			result.Written = append(result.Written, a.FileName)
		}
		result.Artifacts = append(result.Artifacts, a)
		return nil
	}

	assetURLs, assets, err := e.assets(g, cg, gen)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]chunkOutput, len(cg.Names()))
	for _, c := range cg.Chunks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, ok := e.chunks[c.Name]
		if !ok || out.hash != c.Hash || out.stale(assetURLs) {
			out = e.render(g, cg, c, assetURLs, gen)
			result.ChangedChunks = append(result.ChangedChunks, c.Name)
		}
		outputs[c.Name] = out
		for _, a := range out.artifacts {
			if err := write(c.Name, a); err != nil {
				return nil, err
			}
		}
	}
	for _, a := range assets {
		if err := write(a.Chunk, a); err != nil {
			return nil, err
		}
	}

	manifest := e.manifest(cg, outputs, assets)
	if e.hooks != nil {
		ec := &plugins.EmitContext{
			Generation: gen,
			PublicPath: e.opts.PublicPath,
			Files:      emitFiles(cg, outputs),
			Write: func(name string, data []byte) error {
				manifest.Files = append(manifest.Files, name)
				return write("", Artifact{
					FileName:   name,
					Kind:       KindExtra,
					Hash:       digest(data),
					Size:       int64(len(data)),
					Generation: gen,
					Data:       data,
				})
			},
		}
		if err := e.hooks.RunEmit(ctx, ec); err != nil {
			return nil, &bundlrerrors.EmitError{Chunk: "*", Cause: err}
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, &bundlrerrors.EmitError{Chunk: "*", Cause: err}
	}
	data = append(data, '\n')
	if err := write("*", Artifact{
		FileName:   ManifestName,
		Kind:       KindManifest,
		Hash:       digest(data),
		Size:       int64(len(data)),
		Generation: gen,
		Data:       data,
	}); err != nil {
		return nil, err
	}

	if e.opts.Clean {
		for name := range e.files {
			if !current[name] {
				if err := e.fs.Remove(filepath.Join(e.opts.OutDir, name)); err != nil && !os.IsNotExist(err) {
					e.logger.Warn(ctx, err, "failed to remove stale artifact", "file", name)
				}
				delete(e.written, name)
			}
		}
	}

	e.chunks = outputs
	e.files = current
	result.Manifest = manifest

	e.logger.Debug(ctx, "emitted chunks",
		"generation", gen, "chunks", len(outputs),
		"rendered", len(result.ChangedChunks), "written", len(result.Written))
	return result, nil
}

// render produces the artifacts of one chunk.
func (e *Emitter) render(g *graph.Graph, cg *chunk.ChunkGraph, c *chunk.Chunk, assetURLs map[module.Identity]string, gen module.Generation) chunkOutput {
	entry := c.Kind == chunk.KindEntry
	var js bytes.Buffer
	var sections []mapSection

	if entry {
		js.WriteString(Runtime(e.opts.PublicPath))
	}
	fmt.Fprintf(&js, "(self.__bundlrChunks = self.__bundlrChunks || []).push([%s, function (__bundlr) {\n", strconv.Quote(c.Name))
	for _, id := range c.Modules {
		rec, ok := g.Get(id)
		if !ok {
			continue
		}
		fmt.Fprintf(&js, "__bundlr.define(%s, %s, function (module, exports, require) {\n", strconv.Quote(e.moduleID(id)), e.deps(rec, cg))
		if e.opts.SourceMaps && len(rec.Map) > 0 {
			sections = append(sections, mapSection{line: bytes.Count(js.Bytes(), []byte{'\n'}), data: rec.Map})
		}
		code := e.rewrite(rec, cg, assetURLs)
		js.Write(code)
		if len(code) > 0 && code[len(code)-1] != '\n' {
			js.WriteByte('\n')
		}
		js.WriteString("});\n")
	}
	js.WriteString("}]);\n")
	if entry {
		fmt.Fprintf(&js, "__bundlr.start(%s);\n", strconv.Quote(e.moduleID(c.Root)))
	}

	pattern := e.opts.ChunkFilename
	if entry {
		pattern = e.opts.Filename
	}
	jsName := FileName(pattern, c.Name, ".js", Hashes{Chunk: c.Hash}, e.opts.HashLength)

	var artifacts []Artifact
	var mapData []byte
	if len(sections) > 0 {
		mapName := jsName + ".map"
		fmt.Fprintf(&js, "//# sourceMappingURL=%s\n", path.Base(mapName))
		mapData = indexMap(path.Base(jsName), sections)
	}
	artifacts = append(artifacts, e.artifact(c, jsName, KindScript, c.Hash, js.Bytes(), gen))

	var css bytes.Buffer
	urls := make(map[module.Identity]string)
	for _, id := range c.Members() {
		rec, ok := g.Get(id)
		if !ok {
			continue
		}
		for _, a := range rec.Assets {
			if a.Kind != module.AssetStyle || len(a.Content) == 0 {
				continue
			}
			content := styleURLs(rec, a.Content, assetURLs, urls)
			css.Write(content)
			if content[len(content)-1] != '\n' {
				css.WriteByte('\n')
			}
		}
	}
	if css.Len() > 0 {
		content := digest(css.Bytes())
		cssName := FileName(e.opts.CSSFilename, c.Name, ".css", Hashes{Chunk: c.Hash, Content: content}, e.opts.HashLength)
		artifacts = append(artifacts, e.artifact(c, cssName, KindStyle, content, css.Bytes(), gen))
	}
	if mapData != nil {
		artifacts = append(artifacts, e.artifact(c, jsName+".map", KindSourceMap, c.Hash, mapData, gen))
	}
	return chunkOutput{hash: c.Hash, artifacts: artifacts, urls: urls}
}

func (e *Emitter) artifact(c *chunk.Chunk, name, kind, hash string, data []byte, gen module.Generation) Artifact {
	return Artifact{
		Chunk:      c.Name,
		FileName:   name,
		Kind:       kind,
		Hash:       hash,
		Size:       int64(len(data)),
		Generation: gen,
		Entry:      c.Kind == chunk.KindEntry,
		Data:       data,
	}
}

// moduleID is the id a module is registered under at runtime.
func (e *Emitter) moduleID(id module.Identity) string {
	p := id.Path
	if e.opts.Context != "" && !id.IsEmptyModule() {
		if rel, err := filepath.Rel(e.opts.Context, filepath.FromSlash(id.Path)); err == nil && !strings.HasPrefix(rel, "..") {
			p = filepath.ToSlash(rel)
		}
	}
	if id.Variant != "" {
		p += "?" + id.Variant
	}
	return p
}

// deps renders the specifier map handed to require. Eliminated targets map
// to null and evaluate to an empty exports object.
func (e *Emitter) deps(rec *module.Record, cg *chunk.ChunkGraph) string {
	m := make(map[string]*string, len(rec.Specifiers))
	for _, spec := range rec.Specifiers {
		to, ok := rec.Resolved[spec]
		if !ok {
			continue
		}
		if cg.Eliminated(to) {
			m[spec] = nil
			continue
		}
		id := e.moduleID(to)
		m[spec] = &id
	}
	data, _ := json.Marshal(m)
	return string(data)
}

var (
	dynamicImportPattern = regexp.MustCompile(`\bimport\(\s*["']([^"'\n]+)["']\s*\)`)
	assetPattern         = regexp.MustCompile(`__BUNDLR_ASSET__\(([^)]*)\)`)
	urlPattern           = regexp.MustCompile(`__BUNDLR_URL__\(([^)]*)\)`)
)

// styleURLs replaces url() placeholders in css with the public URL of the
// referenced file asset and records each URL used in used. References
// without an emitted asset keep their specifier.
func styleURLs(rec *module.Record, css []byte, assetURLs, used map[module.Identity]string) []byte {
	if !bytes.Contains(css, []byte("__BUNDLR_URL__(")) {
		return css
	}
	return urlPattern.ReplaceAllFunc(css, func(m []byte) []byte {
		spec := string(urlPattern.FindSubmatch(m)[1])
		if to, ok := rec.Resolved[spec]; ok {
			if url, ok := assetURLs[to]; ok {
				used[to] = url
				return []byte(url)
			}
		}
		return []byte(spec)
	})
}

// rewrite replaces deferred imports with runtime loads and asset
// placeholders with public URLs.
func (e *Emitter) rewrite(rec *module.Record, cg *chunk.ChunkGraph, assetURLs map[module.Identity]string) []byte {
	code := rec.Code
	if len(rec.AsyncSpecifiers) > 0 {
		code = dynamicImportPattern.ReplaceAllFunc(code, func(m []byte) []byte {
			spec := string(dynamicImportPattern.FindSubmatch(m)[1])
			to, ok := rec.Resolved[spec]
			if !ok {
				return m
			}
			if cg.Eliminated(to) {
				return []byte("Promise.resolve({})")
			}
			name, ok := cg.AsyncChunk(to)
			if !ok {
				return m
			}
			return []byte(fmt.Sprintf("__bundlr.load(%s, %s)", strconv.Quote(name), strconv.Quote(e.moduleID(to))))
		})
	}
	if bytes.Contains(code, []byte("__BUNDLR_ASSET__(")) {
		code = assetPattern.ReplaceAllFunc(code, func(m []byte) []byte {
			id := module.ParseIdentity(string(assetPattern.FindSubmatch(m)[1]))
			if url, ok := assetURLs[id]; ok {
				return []byte(url)
			}
			return m
		})
	}
	return code
}

// assets names every file asset of the chunk graph and returns the URL per
// owning module together with the artifacts to write. Two assets with
// different content may not share a file name.
func (e *Emitter) assets(g *graph.Graph, cg *chunk.ChunkGraph, gen module.Generation) (map[module.Identity]string, []Artifact, error) {
	urls := make(map[module.Identity]string)
	var artifacts []Artifact
	type owner struct {
		id   module.Identity
		hash string
	}
	seen := make(map[string]owner)
	for _, c := range cg.Chunks() {
		for _, id := range c.Members() {
			rec, ok := g.Get(id)
			if !ok {
				continue
			}
			for _, a := range rec.Assets {
				if a.Kind != module.AssetFile {
					continue
				}
				name := a.Name
				hash := digest(a.Content)
				if e.opts.HashAssets {
					ext := path.Ext(a.Name)
					name = FileName(e.opts.AssetFilename, strings.TrimSuffix(a.Name, ext), ext, Hashes{Chunk: hash, Content: hash}, e.opts.HashLength)
				}
				urls[id] = e.opts.PublicPath + name
				if prev, ok := seen[name]; ok {
					if prev.hash != hash {
						return nil, nil, &bundlrerrors.EmitError{
							Chunk: c.Name,
							Cause: fmt.Errorf("asset %s of %s collides with %s; enable assets.hashed or rename one", name, id, prev.id),
						}
					}
					continue
				}
				seen[name] = owner{id: id, hash: hash}
				artifacts = append(artifacts, Artifact{
					Chunk:      c.Name,
					FileName:   name,
					Kind:       KindAsset,
					Hash:       hash,
					Size:       int64(len(a.Content)),
					Generation: gen,
					Data:       a.Content,
				})
			}
		}
	}
	return urls, artifacts, nil
}

func (e *Emitter) manifest(cg *chunk.ChunkGraph, outputs map[string]chunkOutput, assets []Artifact) *Manifest {
	m := &Manifest{
		PublicPath: e.opts.PublicPath,
		Chunks:     make(map[string]ManifestChunk, len(outputs)),
	}
	for _, c := range cg.Chunks() {
		mc := ManifestChunk{Kind: string(c.Kind), Hash: c.Hash, Load: cg.LoadOrder(c.Name)}
		for _, a := range outputs[c.Name].artifacts {
			switch a.Kind {
			case KindScript:
				mc.JS = a.FileName
			case KindStyle:
				mc.CSS = a.FileName
			}
		}
		m.Chunks[c.Name] = mc
		if c.Kind == chunk.KindEntry {
			m.Entries = append(m.Entries, c.Name)
		}
	}
	if len(assets) > 0 {
		m.Assets = make(map[string]string, len(assets))
		for _, a := range assets {
			m.Assets[a.FileName] = a.Chunk
		}
	}
	return m
}

func emitFiles(cg *chunk.ChunkGraph, outputs map[string]chunkOutput) []plugins.EmitFile {
	var files []plugins.EmitFile
	for _, c := range cg.Chunks() {
		order := cg.LoadOrder(c.Name)
		imports := order[:len(order)-1]
		for _, a := range outputs[c.Name].artifacts {
			if a.Kind != KindScript && a.Kind != KindStyle {
				continue
			}
			files = append(files, plugins.EmitFile{
				Chunk:    c.Name,
				FileName: a.FileName,
				Kind:     a.Kind,
				Entry:    c.Kind == chunk.KindEntry,
				Imports:  imports,
			})
		}
	}
	return files
}

// writeIfChanged writes data unless the file already holds it.
func (e *Emitter) writeIfChanged(name string, data []byte) (bool, error) {
	target := filepath.Join(e.opts.OutDir, filepath.FromSlash(name))
	sum := xxhash.Sum64(data)
	if prev, ok := e.written[name]; ok && prev == sum {
		if exists, _ := afero.Exists(e.fs, target); exists {
			return false, nil
		}
	}
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}
	if err := afero.WriteFile(e.fs, target, data, 0o644); err != nil {
		return false, err
	}
	e.written[name] = sum
	return true, nil
}

func (e *Emitter) clean() error {
	dir := filepath.Clean(e.opts.OutDir)
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to clean %q", e.opts.OutDir)
	}
	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := e.fs.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type mapSection struct {
	line int
	data []byte
}

// indexMap combines per-module source maps into an index map whose sections
// start at the line each module's code begins.
func indexMap(file string, sections []mapSection) []byte {
	type offset struct {
		Line   int `json:"line"`
		Column int `json:"column"`
	}
	type section struct {
		Offset offset          `json:"offset"`
		Map    json.RawMessage `json:"map"`
	}
	out := struct {
		Version  int       `json:"version"`
		File     string    `json:"file"`
		Sections []section `json:"sections"`
	}{Version: 3, File: file}
	for _, s := range sections {
		if !json.Valid(s.data) {
			continue
		}
		out.Sections = append(out.Sections, section{Offset: offset{Line: s.line}, Map: s.data})
	}
	data, _ := json.Marshal(out)
	return data
}
