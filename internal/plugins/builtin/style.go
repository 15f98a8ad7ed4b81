package builtin

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/evanw/esbuild/pkg/api"
)

var (
	cssImportPattern = regexp.MustCompile(`(?m)^\s*@import\s+(?:url\(\s*)?["']([^"']+)["']\s*\)?[^;]*;\s*$`)
	cssURLPattern    = regexp.MustCompile(`\burl\(\s*(?:"([^"]*)"|'([^']*)'|([^"'()\s]+))\s*\)`)
	urlSchemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// Style extracts stylesheets into side-channel assets. Style modules export
// nothing, so they are marked pure and drop out of chunk code.
type Style struct{}

func (Style) Name() string { return "style" }

func (Style) Setup(r *plugins.Registry) error {
	r.OnTransform(plugins.TransformStage{Name: "extract", Version: "1", Priority: 0, Run: extractStyle}, "css", StyleVariant)
	return nil
}

func extractStyle(_ context.Context, tc plugins.TransformContext, in plugins.Unit) (plugins.Unit, error) {
	css := in.Code
	if tc.Identity.Variant == StyleVariant {
		blocks, err := SplitComponent(in.Code)
		if err != nil {
			return in, err
		}
		css = blocks.Style
	}

	var deps []string
	for _, m := range cssImportPattern.FindAllSubmatch(css, -1) {
		deps = append(deps, string(m[1]))
	}
	css = cssImportPattern.ReplaceAll(css, nil)

	if tc.Production {
		result := api.Transform(string(css), api.TransformOptions{
			Loader:           api.LoaderCSS,
			Sourcefile:       tc.Identity.Path,
			MinifyWhitespace: true,
			MinifySyntax:     true,
			LogLevel:         api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return in, syntaxError(result.Errors)
		}
		css = result.Code
	}

	css, refs := rewriteURLs(css)
	deps = append(deps, refs...)

	return plugins.Unit{
		Dependencies: append(in.Dependencies, deps...),
		Assets: append(in.Assets, module.Asset{
			Name:    tc.Identity.Stem() + ".css",
			Kind:    module.AssetStyle,
			Content: css,
		}),
		Pure:      true,
		HotAccept: true,
	}, nil
}

// rewriteURLs replaces local url() references with placeholders for their
// emitted URLs and returns the referenced specifiers. Data URIs, absolute
// URLs and fragment-only references are left alone.
func rewriteURLs(css []byte) ([]byte, []string) {
	var refs []string
	out := cssURLPattern.ReplaceAllFunc(css, func(m []byte) []byte {
		sub := cssURLPattern.FindSubmatch(m)
		raw := string(sub[1]) + string(sub[2]) + string(sub[3])
		spec, suffix := cssReference(raw)
		if spec == "" {
			return m
		}
		refs = append(refs, spec)
		return []byte("url(" + strconv.Quote(module.URLPlaceholder(spec)+suffix) + ")")
	})
	return out, refs
}

// cssReference splits a url() value into a module specifier and the query
// or fragment kept on the emitted URL. It returns an empty specifier for
// references that do not name a project file.
func cssReference(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "", strings.HasPrefix(raw, "#"), strings.HasPrefix(raw, "/"),
		urlSchemePattern.MatchString(raw), strings.ContainsAny(raw, "()\"\\"):
		return "", ""
	}
	spec, suffix := raw, ""
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		spec, suffix = raw[:i], raw[i:]
	}
	switch {
	case strings.HasPrefix(spec, "~"):
		spec = spec[1:]
	case !strings.HasPrefix(spec, "."):
		spec = "./" + spec
	}
	if spec == "" {
		return "", ""
	}
	return spec, suffix
}
