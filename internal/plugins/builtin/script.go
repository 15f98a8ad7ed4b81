// Package builtin provides the loaders bundlr registers by default: scripts
// and JSON through esbuild, styles, single-file components, static assets
// and the HTML document.
package builtin

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/evanw/esbuild/pkg/api"
)

// esbuildVersion tags the lowering stages so cached output is invalidated
// when the esbuild options change.
const esbuildVersion = "0.27-cjs-es2020"

// ScriptTypes are the file types handled by the script plugin.
var ScriptTypes = []string{"ts", "tsx", "js", "jsx", "mjs", "cjs", "json"}

// SyntaxError is a diagnostic reported by esbuild.
type SyntaxError struct {
	Text   string
	Line   int
	Column int
}

func (e *SyntaxError) Error() string { return e.Text }

// Position returns the 1-based line and 0-based column.
func (e *SyntaxError) Position() (int, int) { return e.Line, e.Column }

func syntaxError(msgs []api.Message) error {
	first := msgs[0]
	err := &SyntaxError{Text: first.Text}
	if first.Location != nil {
		err.Line = first.Location.Line
		err.Column = first.Location.Column
		if first.Location.LineText != "" {
			err.Text = fmt.Sprintf("%s\n  %s", first.Text, first.Location.LineText)
		}
	}
	if len(msgs) > 1 {
		err.Text += fmt.Sprintf(" (and %d more)", len(msgs)-1)
	}
	return err
}

// Script lowers TypeScript and modern JavaScript to CommonJS modules.
type Script struct{}

func (Script) Name() string { return "script" }

func (Script) Setup(r *plugins.Registry) error {
	r.OnTransform(plugins.TransformStage{Name: "hot-accept", Version: "1", Priority: 0, Run: detectHotAccept}, ScriptTypes...)
	r.OnTransform(plugins.TransformStage{Name: "esbuild", Version: esbuildVersion, Priority: 10, Run: lowerScript}, ScriptTypes...)
	return nil
}

var hotMarkers = [][]byte{[]byte("module.hot.accept("), []byte("import.meta.hot.accept(")}

func detectHotAccept(_ context.Context, _ plugins.TransformContext, in plugins.Unit) (plugins.Unit, error) {
	for _, m := range hotMarkers {
		if bytes.Contains(in.Code, m) {
			in.HotAccept = true
			break
		}
	}
	return in, nil
}

func loaderFor(fileType string) api.Loader {
	switch strings.ToLower(fileType) {
	case "ts", "mts", "cts", "svelte":
		return api.LoaderTS
	case "tsx":
		return api.LoaderTSX
	case "jsx":
		return api.LoaderJSX
	case "json":
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}

func lowerScript(_ context.Context, tc plugins.TransformContext, in plugins.Unit) (plugins.Unit, error) {
	opts := api.TransformOptions{
		Loader:     loaderFor(tc.Identity.Type()),
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Sourcefile: tc.Identity.Path,
		LogLevel:   api.LogLevelSilent,
		Define:     map[string]string{"import.meta.hot": "module.hot"},
	}
	if tc.SourceMaps {
		opts.Sourcemap = api.SourceMapExternal
		opts.SourcesContent = api.SourcesContentInclude
	}
	if tc.Production {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}

	result := api.Transform(string(in.Code), opts)
	if len(result.Errors) > 0 {
		return in, syntaxError(result.Errors)
	}

	in.Code = result.Code
	in.Map = result.Map
	return in, nil
}
