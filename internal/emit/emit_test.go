package emit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conneroisu/bundlr/internal/chunk"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/pipeline"
	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/conneroisu/bundlr/internal/plugins/builtin"
	"github.com/conneroisu/bundlr/internal/testutils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFs counts files opened for writing.
type countingFs struct {
	afero.Fs
	writes int
	fail   string
}

func (c *countingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		if c.fail != "" && strings.HasPrefix(filepath.Base(name), c.fail) {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
		}
		c.writes++
	}
	return c.Fs.OpenFile(name, flag, perm)
}

var project = map[string]string{
	"/proj/src/main.js":       `require("./shared"); require("./main.css"); var logo = require("./logo.png"); var page = () => import("./page");`,
	"/proj/src/admin.js":      `require("./shared"); require("./only-admin");`,
	"/proj/src/page.js":       `require("./shared"); module.exports = "page";`,
	"/proj/src/shared.js":     `module.exports = "shared";`,
	"/proj/src/only-admin.js": `module.exports = "admin";`,
	"/proj/src/main.css":      `body { margin: 0 }`,
	"/proj/src/logo.png":      "\x89PNG",
}

var entries = []chunk.Entry{
	{Name: "main", Identity: testutils.ID("/proj/src/main.js")},
	{Name: "admin", Identity: testutils.ID("/proj/src/admin.js")},
}

func testOptions() Options {
	return Options{
		OutDir:        "/proj/dist",
		Context:       "/proj",
		PublicPath:    "/",
		HashLength:    8,
		Filename:      "[name].[chunkhash:8].js",
		ChunkFilename: "[name].[chunkhash:8].js",
		CSSFilename:   "[name].[contenthash:8].css",
		AssetFilename: "[name].[hash:8][ext]",
		HashAssets:    true,
	}
}

type fixture struct {
	fs        *countingFs
	builder   *graph.Builder
	assembler *chunk.Assembler
	graph     *graph.Graph
	chunks    *chunk.ChunkGraph
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	fs := &countingFs{Fs: testutils.NewProject(t, files)}
	b, _ := testutils.NewBuilder(fs)
	g, err := b.Build(context.Background(), []module.Identity{entries[0].Identity, entries[1].Identity}, 1)
	require.NoError(t, err)
	a := &chunk.Assembler{Salt: Salt(testOptions())}
	return &fixture{fs: fs, builder: b, assembler: a, graph: g, chunks: a.Assemble(g, entries, nil, nil)}
}

func (f *fixture) change(t *testing.T, path, content string, gen module.Generation) {
	t.Helper()
	testutils.WriteFiles(t, f.fs, map[string]string{path: content})
	g, _, err := f.builder.Rebuild(context.Background(), f.graph, []graph.Change{{Path: path}}, gen)
	require.NoError(t, err)
	f.graph = g
	f.chunks = f.assembler.Assemble(g, entries, nil, f.chunks)
}

func readFile(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, filepath.Join("/proj/dist", name))
	require.NoError(t, err)
	return string(data)
}

func TestFileName(t *testing.T) {
	hashes := Hashes{Chunk: "0123456789abcdef", Content: "fedcba9876543210"}
	tests := []struct {
		pattern string
		want    string
	}{
		{"[name].[chunkhash:8].js", "main.01234567.js"},
		{"bundle.[fullhash:8].js", "bundle.01234567.js"},
		{"[name].[hash].js", "main.012345.js"},
		{"[name].[contenthash:4].css", "main.fedc.css"},
		{"[name][ext]", "main.js"},
		{"static/[name].[unknown].js", "static/main.[unknown].js"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.pattern, "main", ".js", hashes, 6))
		})
	}
}

func TestEmit(t *testing.T) {
	f := newFixture(t, project)
	e := New(f.fs, testOptions(), nil, nil)

	res, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, f.chunks.Names(), res.ChangedChunks)

	m := res.Manifest
	require.NotNil(t, m)
	assert.Equal(t, []string{"main", "admin"}, m.Entries)
	common := "common~admin~main~page"
	assert.Equal(t, []string{common, "main"}, m.Chunks["main"].Load)

	main, ok := f.chunks.Chunk("main")
	require.True(t, ok)
	jsName := "main." + main.Hash[:8] + ".js"
	assert.Equal(t, jsName, m.Chunks["main"].JS)
	js := readFile(t, f.fs, jsName)
	assert.Contains(t, js, "global.__bundlr = api")
	assert.Contains(t, js, `__bundlr.define("src/main.js", {"./logo.png":"src/logo.png","./main.css":null,"./shared":"src/shared.js"}`)
	assert.Contains(t, js, `__bundlr.load("page", "src/page.js")`)
	assert.True(t, strings.HasSuffix(js, "__bundlr.start(\"src/main.js\");\n"))

	page := readFile(t, f.fs, m.Chunks["page"].JS)
	assert.NotContains(t, page, "global.__bundlr = api", "only entry chunks carry the runtime")
	assert.Contains(t, page, `push(["page", function (__bundlr) {`)

	css := readFile(t, f.fs, m.Chunks["main"].CSS)
	assert.Equal(t, "body { margin: 0 }\n", css)

	var logo string
	for name := range m.Assets {
		logo = name
	}
	assert.True(t, strings.HasPrefix(logo, "logo.") && strings.HasSuffix(logo, ".png"), logo)
	assert.Equal(t, "\x89PNG", readFile(t, f.fs, logo))
	logoModule := readFile(t, f.fs, jsName)
	assert.Contains(t, logoModule, `module.exports = "/`+logo+`";`)

	var onDisk Manifest
	require.NoError(t, json.Unmarshal([]byte(readFile(t, f.fs, ManifestName)), &onDisk))
	assert.Equal(t, *m, onDisk)
}

func TestEmitIsIdempotent(t *testing.T) {
	f := newFixture(t, project)
	e := New(f.fs, testOptions(), nil, nil)

	first, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	require.NoError(t, err)
	require.NotEmpty(t, first.Written)
	writes := f.fs.writes

	again := f.assembler.Assemble(f.graph, entries, nil, f.chunks)
	second, err := e.Emit(context.Background(), f.graph, again, 2)
	require.NoError(t, err)
	assert.Empty(t, second.Written)
	assert.Empty(t, second.ChangedChunks)
	assert.Equal(t, writes, f.fs.writes, "nothing is rewritten")
	assert.Equal(t, first.Manifest, second.Manifest)
}

func TestEmitRewritesOnlyChangedChunks(t *testing.T) {
	f := newFixture(t, project)
	e := New(f.fs, testOptions(), nil, nil)
	_, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	require.NoError(t, err)

	f.change(t, "/proj/src/only-admin.js", `module.exports = "changed";`, 2)
	res, err := e.Emit(context.Background(), f.graph, f.chunks, 2)
	require.NoError(t, err)

	admin, _ := f.chunks.Chunk("admin")
	assert.Equal(t, []string{"admin"}, res.ChangedChunks)
	assert.ElementsMatch(t, []string{"admin." + admin.Hash[:8] + ".js", ManifestName}, res.Written)

	main, ok := res.Artifact(res.Manifest.Chunks["main"].JS)
	require.True(t, ok)
	assert.Equal(t, module.Generation(1), main.Generation, "unchanged chunks keep their artifacts")
}

func TestEmitFailureWithholdsManifest(t *testing.T) {
	f := newFixture(t, project)
	f.fs.fail = "admin."
	e := New(f.fs, testOptions(), nil, nil)

	_, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	var ee *bundlrerrors.EmitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "admin", ee.Chunk)
	assert.ErrorIs(t, err, os.ErrPermission)

	exists, _ := afero.Exists(f.fs, "/proj/dist/"+ManifestName)
	assert.False(t, exists)

	f.fs.fail = ""
	res, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	require.NoError(t, err)
	assert.Contains(t, res.Written, ManifestName)
}

func TestEmitClean(t *testing.T) {
	f := newFixture(t, project)
	testutils.WriteFiles(t, f.fs, map[string]string{"/proj/dist/old.js": "stale"})
	opts := testOptions()
	opts.Clean = true
	e := New(f.fs, opts, nil, nil)

	_, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	require.NoError(t, err)
	exists, _ := afero.Exists(f.fs, "/proj/dist/old.js")
	assert.False(t, exists)

	admin, _ := f.chunks.Chunk("admin")
	oldAdmin := "/proj/dist/admin." + admin.Hash[:8] + ".js"
	f.change(t, "/proj/src/only-admin.js", `module.exports = "changed";`, 2)
	_, err = e.Emit(context.Background(), f.graph, f.chunks, 2)
	require.NoError(t, err)
	exists, _ = afero.Exists(f.fs, oldAdmin)
	assert.False(t, exists, "superseded artifacts are removed")
}

func TestEmitAssetNameCollision(t *testing.T) {
	files := map[string]string{
		"/proj/src/main.js":    `var a = require("./a/logo.png"); var b = require("./b/logo.png");`,
		"/proj/src/admin.js":   `module.exports = "admin";`,
		"/proj/src/a/logo.png": "AAAA",
		"/proj/src/b/logo.png": "BBBB",
	}

	t.Run("unhashed names with different content fail", func(t *testing.T) {
		f := newFixture(t, files)
		opts := testOptions()
		opts.HashAssets = false

		_, err := New(f.fs, opts, nil, nil).Emit(context.Background(), f.graph, f.chunks, 1)
		var emitErr *bundlrerrors.EmitError
		require.ErrorAs(t, err, &emitErr)
		assert.Equal(t, "main", emitErr.Chunk)
		assert.Contains(t, err.Error(), "logo.png")
		exists, _ := afero.Exists(f.fs, "/proj/dist/manifest.json")
		assert.False(t, exists)
	})

	t.Run("hashed names keep both files", func(t *testing.T) {
		f := newFixture(t, files)
		res, err := New(f.fs, testOptions(), nil, nil).Emit(context.Background(), f.graph, f.chunks, 1)
		require.NoError(t, err)

		var logos []string
		for _, a := range res.Artifacts {
			if a.Kind == KindAsset && strings.HasPrefix(a.FileName, "logo.") {
				logos = append(logos, readFile(t, f.fs, a.FileName))
			}
		}
		assert.ElementsMatch(t, []string{"AAAA", "BBBB"}, logos)
	})

	t.Run("identical content shares a name", func(t *testing.T) {
		f := newFixture(t, map[string]string{
			"/proj/src/main.js":    `var c = require("./c/same.png"); var d = require("./d/same.png");`,
			"/proj/src/admin.js":   `module.exports = "admin";`,
			"/proj/src/c/same.png": "SAME",
			"/proj/src/d/same.png": "SAME",
		})
		opts := testOptions()
		opts.HashAssets = false

		_, err := New(f.fs, opts, nil, nil).Emit(context.Background(), f.graph, f.chunks, 1)
		require.NoError(t, err)
		assert.Equal(t, "SAME", readFile(t, f.fs, "same.png"))
	})
}

func TestEmitHooks(t *testing.T) {
	f := newFixture(t, project)
	r := plugins.NewRegistry()
	require.NoError(t, builtin.Register(r, f.fs, builtin.Options{HTML: &builtin.HTMLOptions{}}))
	e := New(f.fs, testOptions(), r, nil)

	res, err := e.Emit(context.Background(), f.graph, f.chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"index.html"}, res.Manifest.Files)

	doc := readFile(t, f.fs, "index.html")
	common := res.Manifest.Chunks["common~admin~main~page"].JS
	main := res.Manifest.Chunks["main"].JS
	assert.Less(t, strings.Index(doc, common), strings.Index(doc, main))
	assert.Contains(t, doc, res.Manifest.Chunks["main"].CSS)
	assert.NotContains(t, doc, res.Manifest.Chunks["page"].JS)

	r.OnEmit("broken", 200, func(context.Context, *plugins.EmitContext) error { return errors.New("boom") })
	_, err = e.Emit(context.Background(), f.graph, f.chunks, 2)
	assert.Equal(t, bundlrerrors.KindEmit, bundlrerrors.KindOf(err))
}

func TestEmitWithBuiltinLoaders(t *testing.T) {
	fs := testutils.NewProject(t, map[string]string{
		"/proj/src/index.ts": `import "./style.css";
import { greet } from "./greet";
export const lazy = () => import("./lazy");
console.log(greet("world"));
`,
		"/proj/src/greet.ts":  "export const greet = (name: string): string => `hello ${name}`;\n",
		"/proj/src/lazy.ts":   "export default 42;\n",
		"/proj/src/style.css": "body { color: red; }\n",
	})
	r := plugins.NewRegistry()
	require.NoError(t, builtin.Register(r, fs, builtin.Options{}))
	p := pipeline.New(r, pipeline.NewCache(1<<20), pipeline.Options{SourceMaps: true})
	b := graph.NewBuilder(fs, testutils.NewResolver(fs), p, 2, nil)

	entry := []chunk.Entry{{Name: "main", Identity: testutils.ID("/proj/src/index.ts")}}
	g, err := b.Build(context.Background(), []module.Identity{entry[0].Identity}, 1)
	require.NoError(t, err)

	opts := testOptions()
	opts.SourceMaps = true
	cg := (&chunk.Assembler{Salt: Salt(opts)}).Assemble(g, entry, nil, nil)
	res, err := New(fs, opts, nil, nil).Emit(context.Background(), g, cg, 1)
	require.NoError(t, err)

	mc := res.Manifest.Chunks["main"]
	js := readFile(t, fs, mc.JS)
	assert.Contains(t, js, `"./style.css":null`)
	assert.Contains(t, js, `__bundlr.load("lazy", "src/lazy.ts")`)
	assert.Contains(t, js, "//# sourceMappingURL="+mc.JS+".map")
	assert.Contains(t, readFile(t, fs, mc.CSS), "color: red")

	var index struct {
		Version  int               `json:"version"`
		Sections []json.RawMessage `json:"sections"`
	}
	require.NoError(t, json.Unmarshal([]byte(readFile(t, fs, mc.JS+".map")), &index))
	assert.Equal(t, 3, index.Version)
	assert.Len(t, index.Sections, 2)
	assert.Contains(t, res.Manifest.Chunks, "lazy")
}

func TestEmitStylesheetURLs(t *testing.T) {
	fs := testutils.NewProject(t, map[string]string{
		"/proj/src/index.ts":   "import \"./style.css\";\n",
		"/proj/src/style.css":  "body { background: url(./img/bg.png); }\n.icon { background: url(\"data:image/png;base64,AA\"); }\n.mask { mask: url(#m); }\n",
		"/proj/src/img/bg.png": "\x89PNG",
	})
	r := plugins.NewRegistry()
	require.NoError(t, builtin.Register(r, fs, builtin.Options{}))
	p := pipeline.New(r, pipeline.NewCache(1<<20), pipeline.Options{})
	b := graph.NewBuilder(fs, testutils.NewResolver(fs), p, 2, nil)

	entry := []chunk.Entry{{Name: "main", Identity: testutils.ID("/proj/src/index.ts")}}
	g, err := b.Build(context.Background(), []module.Identity{entry[0].Identity}, 1)
	require.NoError(t, err)

	opts := testOptions()
	cg := (&chunk.Assembler{Salt: Salt(opts)}).Assemble(g, entry, nil, nil)
	res, err := New(fs, opts, nil, nil).Emit(context.Background(), g, cg, 1)
	require.NoError(t, err)

	var image string
	for _, a := range res.Artifacts {
		if a.Kind == KindAsset {
			image = a.FileName
		}
	}
	require.True(t, strings.HasPrefix(image, "bg."), "stylesheet image was not emitted")
	assert.Equal(t, "\x89PNG", readFile(t, fs, image))

	css := readFile(t, fs, res.Manifest.Chunks["main"].CSS)
	assert.Contains(t, css, `url("/`+image+`")`)
	assert.Contains(t, css, "data:image/png;base64,AA")
	assert.Contains(t, css, "url(#m)")
	assert.NotContains(t, css, "__BUNDLR_URL__")
}
