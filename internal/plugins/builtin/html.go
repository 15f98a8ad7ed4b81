package builtin

import (
	"bytes"
	"context"
	"fmt"

	"github.com/conneroisu/bundlr/internal/plugins"
	"github.com/spf13/afero"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultDocument = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1"></head>
<body></body>
</html>
`

// HTMLOptions configure the HTML document plugin.
type HTMLOptions struct {
	// Template is the path of the document template. Empty uses a minimal
	// built-in document.
	Template string
	// Filename is the output name, usually index.html.
	Filename string
}

// HTML writes a document that loads every entry chunk with its
// dependencies and extracted styles.
type HTML struct {
	fs   afero.Fs
	opts HTMLOptions
}

// NewHTML creates the plugin.
func NewHTML(fs afero.Fs, opts HTMLOptions) *HTML {
	if opts.Filename == "" {
		opts.Filename = "index.html"
	}
	return &HTML{fs: fs, opts: opts}
}

func (h *HTML) Name() string { return "html" }

func (h *HTML) Setup(r *plugins.Registry) error {
	r.OnEmit("html", 100, h.emit)
	return nil
}

func (h *HTML) emit(_ context.Context, ec *plugins.EmitContext) error {
	doc := []byte(defaultDocument)
	if h.opts.Template != "" {
		data, err := afero.ReadFile(h.fs, h.opts.Template)
		if err != nil {
			return fmt.Errorf("read html template: %w", err)
		}
		doc = data
	}

	styles, scripts := EntryTags(ec.Files, ec.PublicPath)
	out, err := InjectTags(doc, styles, scripts)
	if err != nil {
		return err
	}
	return ec.Write(h.opts.Filename, out)
}

// EntryTags lists the stylesheet and script URLs needed by the entry
// chunks, dependencies first and without duplicates.
func EntryTags(files []plugins.EmitFile, publicPath string) (styles, scripts []string) {
	js := make(map[string]string)
	css := make(map[string]string)
	for _, f := range files {
		switch f.Kind {
		case "js":
			js[f.Chunk] = f.FileName
		case "css":
			css[f.Chunk] = f.FileName
		}
	}

	seen := make(map[string]bool)
	for _, f := range files {
		if !f.Entry || f.Kind != "js" {
			continue
		}
		for _, chunk := range append(append([]string(nil), f.Imports...), f.Chunk) {
			if seen[chunk] {
				continue
			}
			seen[chunk] = true
			if name, ok := css[chunk]; ok {
				styles = append(styles, publicPath+name)
			}
			if name, ok := js[chunk]; ok {
				scripts = append(scripts, publicPath+name)
			}
		}
	}
	return styles, scripts
}

// InjectTags parses doc and appends a <link> per stylesheet to <head> and
// a <script> per script to <body>.
func InjectTags(doc []byte, styles, scripts []string) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	head := findElement(root, atom.Head)
	body := findElement(root, atom.Body)
	if head == nil || body == nil {
		return nil, fmt.Errorf("html document has no head or body")
	}

	for _, href := range styles {
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "link",
			DataAtom: atom.Link,
			Attr:     []html.Attribute{{Key: "rel", Val: "stylesheet"}, {Key: "href", Val: href}},
		})
	}
	for _, src := range scripts {
		body.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     "script",
			DataAtom: atom.Script,
			Attr:     []html.Attribute{{Key: "src", Val: src}},
		})
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
