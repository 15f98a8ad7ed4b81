// Package resolver maps import specifiers to module identities. Resolution is
// a pure function of the configured rules and the files visible through an
// afero filesystem.
package resolver

import (
	"path/filepath"
	"sort"
	"strings"

	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/module"
	"github.com/spf13/afero"
)

// Options configure a Resolver.
type Options struct {
	// Alias maps a specifier or specifier prefix to a replacement.
	Alias map[string]string
	// Extensions are tried in order when a candidate does not exist as written.
	Extensions []string
	// MainFields are package manifest fields consulted for directories.
	MainFields []string
	// Roots are searched for bare specifiers before node_modules.
	Roots []string
	// Fallback lists specifiers that resolve to the empty module.
	Fallback []string
}

// Resolver resolves specifiers against the filesystem.
type Resolver struct {
	fs        afero.Fs
	opts      Options
	manifests ManifestReader
	aliasKeys []string
	fallback  map[string]bool
}

// New creates a Resolver. A nil manifests reader reads package.json files
// from fs.
func New(fs afero.Fs, opts Options, manifests ManifestReader) *Resolver {
	if manifests == nil {
		manifests = NewPackageJSONReader(fs)
	}

	keys := make([]string, 0, len(opts.Alias))
	for k := range opts.Alias {
		keys = append(keys, k)
	}
	// longest prefix wins; ties broken lexically for determinism
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	fallback := make(map[string]bool, len(opts.Fallback))
	for _, f := range opts.Fallback {
		fallback[f] = true
	}

	return &Resolver{fs: fs, opts: opts, manifests: manifests, aliasKeys: keys, fallback: fallback}
}

// Resolve maps specifier, written in the module from, to an identity.
func (r *Resolver) Resolve(specifier string, from module.Identity) (module.Identity, error) {
	spec, variant := splitQuery(specifier)

	if r.fallback[spec] {
		return module.Empty(), nil
	}

	spec = r.applyAlias(spec)

	for _, candidate := range r.candidates(spec, from) {
		if found, ok := r.tryPath(candidate); ok {
			return module.NewIdentity(found, variant), nil
		}
	}

	return module.Identity{}, &bundlrerrors.ResolutionError{Specifier: specifier, From: from.String()}
}

// ResolveEntry resolves an entry path relative to the context directory.
func (r *Resolver) ResolveEntry(entry, context string) (module.Identity, error) {
	p, variant := splitQuery(entry)
	if !filepath.IsAbs(p) {
		p = filepath.Join(context, p)
	}
	if found, ok := r.tryPath(p); ok {
		return module.NewIdentity(found, variant), nil
	}
	return module.Identity{}, &bundlrerrors.ResolutionError{Specifier: entry, From: context}
}

func splitQuery(specifier string) (string, string) {
	if i := strings.IndexByte(specifier, '?'); i >= 0 {
		return specifier[:i], specifier[i+1:]
	}
	return specifier, ""
}

func (r *Resolver) applyAlias(spec string) string {
	for _, key := range r.aliasKeys {
		target := r.opts.Alias[key]
		if spec == key {
			return target
		}
		if strings.HasPrefix(spec, key+"/") {
			return target + spec[len(key):]
		}
	}
	return spec
}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// candidates lists base paths to try, in priority order.
func (r *Resolver) candidates(spec string, from module.Identity) []string {
	switch {
	case isRelative(spec):
		return []string{filepath.Join(filepath.FromSlash(from.Dir()), spec)}
	case filepath.IsAbs(spec) || strings.HasPrefix(spec, "/"):
		return []string{filepath.Clean(spec)}
	}

	out := make([]string, 0, len(r.opts.Roots)+4)
	for _, root := range r.opts.Roots {
		out = append(out, filepath.Join(root, spec))
	}
	if from.IsZero() || from.IsEmptyModule() {
		return out
	}
	for dir := filepath.FromSlash(from.Dir()); ; {
		if filepath.Base(dir) != "node_modules" {
			out = append(out, filepath.Join(dir, "node_modules", spec))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return out
}

// tryPath tries base literally, with each extension, and as a directory.
func (r *Resolver) tryPath(base string) (string, bool) {
	if found, ok := r.tryFile(base); ok {
		return found, true
	}
	if !r.isDir(base) {
		return "", false
	}

	fields, err := r.manifests.Fields(base)
	if err == nil {
		for _, field := range r.opts.MainFields {
			value := fields[field]
			if value == "" {
				continue
			}
			target := filepath.Join(base, filepath.FromSlash(value))
			if found, ok := r.tryFile(target); ok {
				return found, true
			}
			if found, ok := r.tryIndex(target); ok {
				return found, true
			}
		}
	}

	return r.tryIndex(base)
}

func (r *Resolver) tryFile(p string) (string, bool) {
	if r.isFile(p) {
		return p, true
	}
	for _, ext := range r.opts.Extensions {
		if r.isFile(p + ext) {
			return p + ext, true
		}
	}
	return "", false
}

func (r *Resolver) tryIndex(dir string) (string, bool) {
	for _, ext := range r.opts.Extensions {
		p := filepath.Join(dir, "index"+ext)
		if r.isFile(p) {
			return p, true
		}
	}
	return "", false
}

func (r *Resolver) isFile(p string) bool {
	info, err := r.fs.Stat(p)
	return err == nil && !info.IsDir()
}

func (r *Resolver) isDir(p string) bool {
	info, err := r.fs.Stat(p)
	return err == nil && info.IsDir()
}
