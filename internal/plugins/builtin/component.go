package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/conneroisu/bundlr/internal/plugins"
	"golang.org/x/net/html"
)

// StyleVariant is the identity variant naming a component's extracted
// style block.
const StyleVariant = "style"

// Blocks are the parts of a single-file component.
type Blocks struct {
	Script     []byte
	ScriptLang string
	Style      []byte
	Markup     []byte
}

// SplitComponent separates the top-level <script> and <style> elements of a
// single-file component from its markup.
func SplitComponent(src []byte) (Blocks, error) {
	var b Blocks
	var markup bytes.Buffer
	z := html.NewTokenizer(bytes.NewReader(src))

	var inside string
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			return b, z.Err()
		}

		raw := append([]byte(nil), z.Raw()...)
		tok := z.Token()
		switch {
		case tt == html.StartTagToken && inside == "" && (tok.Data == "script" || tok.Data == "style"):
			inside = tok.Data
			if inside == "script" {
				for _, a := range tok.Attr {
					if a.Key == "lang" {
						b.ScriptLang = a.Val
					}
				}
			}
		case tt == html.EndTagToken && tok.Data == inside:
			inside = ""
		case tt == html.TextToken && inside == "script":
			b.Script = append(b.Script, tok.Data...)
		case tt == html.TextToken && inside == "style":
			b.Style = append(b.Style, tok.Data...)
		case inside == "":
			markup.Write(raw)
		}
	}

	b.Script = bytes.TrimSpace(b.Script)
	b.Style = bytes.TrimSpace(b.Style)
	b.Markup = bytes.TrimSpace(markup.Bytes())
	return b, nil
}

// Component compiles single-file components. The script block becomes the
// module body, the markup is exported as a template string and the style
// block is imported through the component's style variant.
type Component struct{}

func (Component) Name() string { return "component" }

func (Component) Setup(r *plugins.Registry) error {
	r.OnTransform(plugins.TransformStage{Name: "split", Version: "1", Priority: 0, Run: splitComponent}, "svelte")
	r.OnTransform(plugins.TransformStage{Name: "esbuild", Version: esbuildVersion, Priority: 10, Run: lowerScript}, "svelte")
	r.OnTransform(plugins.TransformStage{Name: "template", Version: "1", Priority: 0, Run: htmlTemplate}, "html")
	return nil
}

func splitComponent(_ context.Context, tc plugins.TransformContext, in plugins.Unit) (plugins.Unit, error) {
	blocks, err := SplitComponent(in.Code)
	if err != nil {
		return in, err
	}

	markup, err := json.Marshal(string(blocks.Markup))
	if err != nil {
		return in, err
	}

	var code bytes.Buffer
	code.Write(blocks.Script)
	code.WriteString("\nexport const __bundlrTemplate = ")
	code.Write(markup)
	code.WriteString(";\n")

	in.Code = code.Bytes()
	in.HotAccept = true
	if len(blocks.Style) > 0 {
		in.Dependencies = append(in.Dependencies, "./"+path.Base(tc.Identity.Path)+"?"+StyleVariant)
	}
	return in, nil
}

// htmlTemplate exports an HTML fragment as a string.
func htmlTemplate(_ context.Context, _ plugins.TransformContext, in plugins.Unit) (plugins.Unit, error) {
	markup, err := json.Marshal(strings.TrimSpace(string(in.Code)))
	if err != nil {
		return in, err
	}
	in.Code = append(append([]byte("module.exports = "), markup...), ";\n"...)
	in.Map = nil
	in.Pure = true
	return in, nil
}
