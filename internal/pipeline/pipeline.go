// Package pipeline turns raw module source into module records by running
// the transform chain registered for the module's type.
package pipeline

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"

	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/conneroisu/bundlr/internal/plugins"
)

// Chains supplies transform chains by file type.
type Chains interface {
	Chain(fileType string) []plugins.TransformStage
	ChainVersion(fileType string) string
}

// Options configure every transform run by a Pipeline.
type Options struct {
	Production bool
	SourceMaps bool
}

// Pipeline runs transform chains and caches their results.
type Pipeline struct {
	chains Chains
	cache  *Cache
	opts   Options
}

// New creates a pipeline. cache may be nil.
func New(chains Chains, cache *Cache, opts Options) *Pipeline {
	return &Pipeline{chains: chains, cache: cache, opts: opts}
}

// ChainVersion returns the version of the chain that handles id.
func (p *Pipeline) ChainVersion(id module.Identity) string {
	return p.chains.ChainVersion(id.Type())
}

// Cache returns the transform cache, or nil.
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// Transform runs the chain for id over raw. The returned record has no
// resolved dependencies and no generation; both are filled in by the graph
// builder. Failures never populate the cache.
func (p *Pipeline) Transform(ctx context.Context, id module.Identity, raw []byte) (*module.Record, error) {
	fileType := id.Type()
	chain := p.chains.Chain(fileType)
	if len(chain) == 0 {
		return nil, &bundlrerrors.TransformError{
			Stage:  "dispatch",
			Module: id.String(),
			Cause:  errors.New("no transform chain for type " + strconv.Quote(fileType)),
		}
	}

	version := p.chains.ChainVersion(fileType)
	fingerprint := module.Fingerprint(raw)
	key := cacheKey(id, version, fingerprint)
	if p.cache != nil {
		if rec, ok := p.cache.Get(key); ok {
			return rec, nil
		}
	}

	tc := plugins.TransformContext{
		Identity:   id,
		Production: p.opts.Production,
		SourceMaps: p.opts.SourceMaps,
	}
	unit := plugins.Unit{Code: raw}
	for _, stage := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := stage.Run(ctx, tc, unit)
		if err != nil {
			return nil, stageError(id, stage.Name, err)
		}
		unit = out
	}

	static, async := Scan(unit.Code)
	rec := &module.Record{
		Identity:        id,
		Fingerprint:     fingerprint,
		Specifiers:      merge(unit.Dependencies, static),
		AsyncSpecifiers: merge(unit.AsyncDependencies, async),
		Code:            unit.Code,
		Map:             unit.Map,
		Assets:          unit.Assets,
		SideEffects:     !unit.Pure,
		HotAccept:       unit.HotAccept,
		ChainVersion:    version,
	}
	if p.cache != nil {
		p.cache.Set(key, rec)
	}
	return rec, nil
}

func cacheKey(id module.Identity, version string, fingerprint uint64) string {
	return id.String() + "|" + version + "|" + strconv.FormatUint(fingerprint, 16)
}

type positioned interface {
	Position() (line, column int)
}

func stageError(id module.Identity, stage string, err error) error {
	te := &bundlrerrors.TransformError{Stage: stage, Module: id.String(), Cause: err}
	var pos positioned
	if errors.As(err, &pos) {
		te.Line, te.Column = pos.Position()
	}
	return te
}

var (
	requirePattern       = regexp.MustCompile(`\brequire\(\s*["']([^"'\n]+)["']\s*\)`)
	dynamicImportPattern = regexp.MustCompile(`\bimport\(\s*["']([^"'\n]+)["']\s*\)`)
	importPattern        = regexp.MustCompile(`(?m)^[ \t]*import\s+(?:[\w$*{}\s,]+?\s+from\s+)?["']([^"'\n]+)["']`)
	reexportPattern      = regexp.MustCompile(`(?m)^[ \t]*export\s+(?:\*(?:\s+as\s+[\w$]+)?|\{[^}]*\})\s+from\s+["']([^"'\n]+)["']`)
)

type match struct {
	pos  int
	spec string
}

// Scan detects import specifiers in generated code. Static specifiers come
// from require calls and import or re-export declarations; dynamic import()
// calls are returned separately as deferred split points. Both lists are in
// source order without duplicates.
func Scan(code []byte) (static, async []string) {
	var found []match
	for _, re := range []*regexp.Regexp{requirePattern, importPattern, reexportPattern} {
		found = appendMatches(found, re, code)
	}
	static = ordered(found)
	async = ordered(appendMatches(nil, dynamicImportPattern, code))
	return static, async
}

func appendMatches(dst []match, re *regexp.Regexp, code []byte) []match {
	for _, loc := range re.FindAllSubmatchIndex(code, -1) {
		dst = append(dst, match{pos: loc[2], spec: string(code[loc[2]:loc[3]])})
	}
	return dst
}

func ordered(found []match) []string {
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	out := make([]string, 0, len(found))
	for _, m := range found {
		out = append(out, m.spec)
	}
	return merge(nil, out)
}

// merge appends detected to declared, keeping the first occurrence of each.
func merge(declared, detected []string) []string {
	if len(declared)+len(detected) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(declared)+len(detected))
	out := make([]string, 0, len(declared)+len(detected))
	for _, list := range [][]string{declared, detected} {
		for _, s := range list {
			if seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
