package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
)

var placeholderPattern = regexp.MustCompile(`\[([a-z]+)(?::\d+)?\]`)

var knownPlaceholders = map[string]bool{
	"name": true, "hash": true, "chunkhash": true, "contenthash": true, "fullhash": true, "ext": true,
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if config.Mode != ModeDevelopment && config.Mode != ModeProduction {
		return &bundlrerrors.ConfigError{Field: "mode", Message: fmt.Sprintf("must be %q or %q, got %q", ModeDevelopment, ModeProduction, config.Mode)}
	}

	if err := validateEntries(config.EntryPoints()); err != nil {
		return fmt.Errorf("entries: %w", err)
	}

	if err := validateResolveConfig(&config.Resolve); err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	if err := validateOutputConfig(&config.Output, len(config.Entries) > 1); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := validateBuildConfig(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if config.Watch.Debounce < 0 {
		return &bundlrerrors.ConfigError{Field: "watch.debounce", Message: "must not be negative"}
	}

	if filepath.Clean(config.OutputDir()) == filepath.Clean(config.Context) {
		return &bundlrerrors.ConfigError{Field: "output.path", Message: "must not be the context directory"}
	}

	return nil
}

func validateEntries(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Path == "" {
			return &bundlrerrors.ConfigError{Field: "entries", Message: "entry needs a name and a path"}
		}
		if seen[e.Name] {
			return &bundlrerrors.ConfigError{Field: "entries", Message: fmt.Sprintf("duplicate entry name %q", e.Name)}
		}
		seen[e.Name] = true
	}
	return nil
}

func validateResolveConfig(config *ResolveConfig) error {
	for _, ext := range config.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return &bundlrerrors.ConfigError{Field: "resolve.extensions", Message: fmt.Sprintf("extension %q must start with a dot", ext)}
		}
	}
	for key, target := range config.Alias {
		if key == "" || target == "" {
			return &bundlrerrors.ConfigError{Field: "resolve.alias", Message: "alias keys and targets must be non-empty"}
		}
	}
	return nil
}

func validateOutputConfig(config *OutputConfig, multipleEntries bool) error {
	if config.HashLength < 4 || config.HashLength > 64 {
		return &bundlrerrors.ConfigError{Field: "output.hash_length", Message: fmt.Sprintf("%d is not in range 4-64", config.HashLength)}
	}
	if err := validatePattern("output.filename", config.Filename, multipleEntries); err != nil {
		return err
	}
	if err := validatePattern("output.chunk_filename", config.ChunkFilename, true); err != nil {
		return err
	}
	if err := validatePattern("output.css_filename", config.CSSFilename, true); err != nil {
		return err
	}
	if !strings.HasSuffix(config.PublicPath, "/") {
		return &bundlrerrors.ConfigError{Field: "output.public_path", Message: "must end with a slash"}
	}
	return nil
}

func validatePattern(field, pattern string, requireName bool) error {
	if requireName && !strings.Contains(pattern, "[name]") {
		return &bundlrerrors.ConfigError{Field: field, Message: fmt.Sprintf("pattern %q must contain [name]", pattern)}
	}
	for _, m := range placeholderPattern.FindAllStringSubmatch(pattern, -1) {
		if !knownPlaceholders[m[1]] {
			return &bundlrerrors.ConfigError{Field: field, Message: fmt.Sprintf("unknown placeholder [%s]", m[1])}
		}
	}
	if strings.ContainsAny(pattern, `/\`) {
		return &bundlrerrors.ConfigError{Field: field, Message: "pattern must not contain path separators"}
	}
	return nil
}

func validateBuildConfig(config *BuildConfig) error {
	if config.Workers < 1 {
		return &bundlrerrors.ConfigError{Field: "build.workers", Message: "must be at least 1"}
	}
	if config.DuplicateThreshold < 0 {
		return &bundlrerrors.ConfigError{Field: "build.duplicate_threshold", Message: "must not be negative"}
	}
	if config.CacheSizeMB < 0 {
		return &bundlrerrors.ConfigError{Field: "build.cache_size_mb", Message: "must not be negative"}
	}
	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return &bundlrerrors.ConfigError{Field: "server.port", Message: fmt.Sprintf("port %d is not in valid range 0-65535", config.Port)}
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return &bundlrerrors.ConfigError{Field: "server.host", Message: "host contains dangerous character: " + char}
			}
		}
	}

	return nil
}
