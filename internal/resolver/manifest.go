package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// ManifestReader returns the string-valued fields of a package manifest.
type ManifestReader interface {
	Fields(dir string) (map[string]string, error)
}

// PackageJSONReader reads package.json files and caches the result per
// directory for the lifetime of the reader.
type PackageJSONReader struct {
	fs    afero.Fs
	mu    sync.Mutex
	cache map[string]map[string]string
}

// NewPackageJSONReader creates a reader over fs.
func NewPackageJSONReader(fs afero.Fs) *PackageJSONReader {
	return &PackageJSONReader{fs: fs, cache: make(map[string]map[string]string)}
}

// Fields returns the top-level string fields of dir/package.json. A missing
// manifest yields an empty map.
func (p *PackageJSONReader) Fields(dir string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fields, ok := p.cache[dir]; ok {
		return fields, nil
	}

	data, err := afero.ReadFile(p.fs, filepath.Join(dir, "package.json"))
	if os.IsNotExist(err) {
		p.cache[dir] = map[string]string{}
		return p.cache[dir], nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest in %s: %w", dir, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest in %s: %w", dir, err)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			fields[k] = s
		}
	}
	p.cache[dir] = fields
	return fields, nil
}

// Invalidate drops cached manifests. It is called when files change.
func (p *PackageJSONReader) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]map[string]string)
}
