package builtin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, fs afero.Fs, opts Options) *plugins.Registry {
	t.Helper()
	r := plugins.NewRegistry()
	require.NoError(t, Register(r, fs, opts))
	return r
}

func run(t *testing.T, r *plugins.Registry, tc plugins.TransformContext, src string) (plugins.Unit, error) {
	t.Helper()
	chain := r.Chain(tc.Identity.Type())
	require.NotEmpty(t, chain, "no chain for %s", tc.Identity.Type())
	u := plugins.Unit{Code: []byte(src)}
	for _, stage := range chain {
		var err error
		u, err = stage.Run(context.Background(), tc, u)
		if err != nil {
			return u, err
		}
	}
	return u, nil
}

func TestScriptLowering(t *testing.T) {
	r := newRegistry(t, afero.NewMemMapFs(), Options{})

	t.Run("typescript becomes commonjs", func(t *testing.T) {
		tc := plugins.TransformContext{Identity: module.NewIdentity("/src/a.ts", "")}
		u, err := run(t, r, tc, `import { b } from "./b";
export const a: number = b + 1;
export const lazy = () => import("./lazy");
`)
		require.NoError(t, err)
		code := string(u.Code)
		assert.Contains(t, code, `require("./b")`)
		assert.Contains(t, code, `import("./lazy")`)
		assert.NotContains(t, code, ": number")
		assert.False(t, u.HotAccept)
	})

	t.Run("source maps when requested", func(t *testing.T) {
		tc := plugins.TransformContext{Identity: module.NewIdentity("/src/a.js", ""), SourceMaps: true}
		u, err := run(t, r, tc, "export default 1;\n")
		require.NoError(t, err)
		assert.Contains(t, string(u.Map), `"mappings"`)
	})

	t.Run("hot accept marker", func(t *testing.T) {
		tc := plugins.TransformContext{Identity: module.NewIdentity("/src/view.js", "")}
		u, err := run(t, r, tc, "if (import.meta.hot) { import.meta.hot.accept(); }\n")
		require.NoError(t, err)
		assert.True(t, u.HotAccept)
		assert.Contains(t, string(u.Code), "module.hot")
	})

	t.Run("syntax errors carry a position", func(t *testing.T) {
		tc := plugins.TransformContext{Identity: module.NewIdentity("/src/bad.ts", "")}
		_, err := run(t, r, tc, "const x = ;\n")
		require.Error(t, err)

		var syn *SyntaxError
		require.True(t, errors.As(err, &syn))
		line, _ := syn.Position()
		assert.Equal(t, 1, line)
	})

	t.Run("json", func(t *testing.T) {
		tc := plugins.TransformContext{Identity: module.NewIdentity("/src/data.json", "")}
		u, err := run(t, r, tc, `{"answer": 42}`)
		require.NoError(t, err)
		assert.Contains(t, string(u.Code), "module.exports")
	})
}

func TestSplitComponent(t *testing.T) {
	src := `<script lang="ts">
  export let name: string = "world";
</script>

<h1 class="title">Hello {name}!</h1>

<style>
  h1 { color: red; }
</style>
`
	b, err := SplitComponent([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "ts", b.ScriptLang)
	assert.Equal(t, `export let name: string = "world";`, string(b.Script))
	assert.Equal(t, `h1 { color: red; }`, string(b.Style))
	assert.Equal(t, `<h1 class="title">Hello {name}!</h1>`, string(b.Markup))
}

func TestComponentAndStyleVariant(t *testing.T) {
	r := newRegistry(t, afero.NewMemMapFs(), Options{})
	src := `<script>export const n = 1;</script><p>hi</p><style>p { margin: 0 }</style>`

	component := plugins.TransformContext{Identity: module.NewIdentity("/src/App.svelte", "")}
	u, err := run(t, r, component, src)
	require.NoError(t, err)
	assert.True(t, u.HotAccept)
	assert.Equal(t, []string{"./App.svelte?style"}, u.Dependencies)
	assert.Contains(t, string(u.Code), "__bundlrTemplate")
	assert.Contains(t, string(u.Code), `<p>hi</p>`)

	style := plugins.TransformContext{Identity: module.NewIdentity("/src/App.svelte", StyleVariant)}
	u, err = run(t, r, style, src)
	require.NoError(t, err)
	assert.True(t, u.Pure)
	assert.Empty(t, u.Code)
	require.Len(t, u.Assets, 1)
	assert.Equal(t, module.AssetStyle, u.Assets[0].Kind)
	assert.Equal(t, "p { margin: 0 }", string(u.Assets[0].Content))
}

func TestStyleImportsAndMinify(t *testing.T) {
	r := newRegistry(t, afero.NewMemMapFs(), Options{})
	tc := plugins.TransformContext{Identity: module.NewIdentity("/src/app.css", ""), Production: true}

	u, err := run(t, r, tc, "@import \"./reset.css\";\nbody {\n  color: #ff0000;\n}\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"./reset.css"}, u.Dependencies)
	require.Len(t, u.Assets, 1)
	css := string(u.Assets[0].Content)
	assert.NotContains(t, css, "@import")
	assert.Contains(t, css, "body{color:")
	assert.NotContains(t, css, "\n  ")
}

func TestStyleURLReferences(t *testing.T) {
	r := newRegistry(t, afero.NewMemMapFs(), Options{})
	tc := plugins.TransformContext{Identity: module.NewIdentity("/src/app.css", "")}

	src := `.a { background: url(img/a.png); }
.b { background: url("../b.svg?v=2#frag"); }
.c { background: url('~pkg/c.woff2'); }
.d { background: url(data:image/png;base64,AA); }
.e { background: url(/static/e.png); }
.f { background: url(https://cdn.example.com/f.png); }
.g { mask: url(#clip); }
.h { background: url(//cdn.example.com/h.png); }
`
	u, err := run(t, r, tc, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"./img/a.png", "../b.svg", "pkg/c.woff2"}, u.Dependencies)

	require.Len(t, u.Assets, 1)
	css := string(u.Assets[0].Content)
	assert.Contains(t, css, `url("`+module.URLPlaceholder("./img/a.png")+`")`)
	assert.Contains(t, css, `url("`+module.URLPlaceholder("../b.svg")+`?v=2#frag")`)
	assert.Contains(t, css, `url("`+module.URLPlaceholder("pkg/c.woff2")+`")`)
	for _, kept := range []string{
		"url(data:image/png;base64,AA)",
		"url(/static/e.png)",
		"url(https://cdn.example.com/f.png)",
		"url(#clip)",
		"url(//cdn.example.com/h.png)",
	} {
		assert.Contains(t, css, kept)
	}

	t.Run("minified", func(t *testing.T) {
		tc := tc
		tc.Production = true
		u, err := run(t, r, tc, ".a { background: url( \"./a.png\" ); }\n")
		require.NoError(t, err)
		assert.Equal(t, []string{"./a.png"}, u.Dependencies)
		assert.Contains(t, string(u.Assets[0].Content), module.URLPlaceholder("./a.png"))
	})
}

func TestAssetResource(t *testing.T) {
	r := newRegistry(t, afero.NewMemMapFs(), Options{})
	id := module.NewIdentity("/static/logo.png", "")

	u, err := run(t, r, plugins.TransformContext{Identity: id}, "\x89PNG")
	require.NoError(t, err)
	assert.True(t, u.Pure)
	assert.Contains(t, string(u.Code), module.AssetPlaceholder(id))
	require.Len(t, u.Assets, 1)
	assert.Equal(t, "logo.png", u.Assets[0].Name)
	assert.Equal(t, []byte("\x89PNG"), u.Assets[0].Content)
}

func TestHTMLPlugin(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/static/index.html",
		[]byte("<!doctype html><html><head><title>App</title></head><body><div id=app></div></body></html>"), 0o644))
	r := newRegistry(t, fs, Options{HTML: &HTMLOptions{Template: "/proj/static/index.html"}})

	written := map[string]string{}
	ec := &plugins.EmitContext{
		PublicPath: "/",
		Files: []plugins.EmitFile{
			{Chunk: "common~a~b", FileName: "common~a~b.1111.js", Kind: "js"},
			{Chunk: "main", FileName: "main.2222.js", Kind: "js", Entry: true, Imports: []string{"common~a~b"}},
			{Chunk: "main", FileName: "main.2222.css", Kind: "css", Entry: true},
			{Chunk: "lazy", FileName: "lazy.3333.js", Kind: "js"},
		},
		Write: func(name string, data []byte) error {
			written[name] = string(data)
			return nil
		},
	}
	require.NoError(t, r.RunEmit(context.Background(), ec))

	doc := written["index.html"]
	require.NotEmpty(t, doc)
	assert.Contains(t, doc, "<title>App</title>")
	assert.Contains(t, doc, `<link rel="stylesheet" href="/main.2222.css"/>`)
	common := strings.Index(doc, `src="/common~a~b.1111.js"`)
	main := strings.Index(doc, `src="/main.2222.js"`)
	assert.True(t, common >= 0 && main > common, "dependencies load first")
	assert.NotContains(t, doc, "lazy.3333.js")
}

func TestInjectTagsIntoFragment(t *testing.T) {
	out, err := InjectTags([]byte("<p>fragment</p>"), nil, []string{"/x.js"})
	require.NoError(t, err, "the parser synthesises head and body")
	assert.Contains(t, string(out), `<script src="/x.js"></script>`)
}
