// Package config provides configuration management for bundlr using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files (.bundlr.yml), environment
// variable overrides with the BUNDLR_ prefix, defaults and validation. It
// covers entry points, resolution rules, output naming, the worker pool, the
// development server and the file watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	Context string        `mapstructure:"context"`
	Mode    string        `mapstructure:"mode"`
	Entries []string      `mapstructure:"entries"`
	Resolve ResolveConfig `mapstructure:"resolve"`
	Output  OutputConfig  `mapstructure:"output"`
	Build   BuildConfig   `mapstructure:"build"`
	Server  ServerConfig  `mapstructure:"server"`
	Watch   WatchConfig   `mapstructure:"watch"`
	HTML    HTMLConfig    `mapstructure:"html"`
	Assets  AssetsConfig  `mapstructure:"assets"`
	Log     LogConfig     `mapstructure:"log"`
}

type ResolveConfig struct {
	Alias      map[string]string `mapstructure:"alias"`
	Extensions []string          `mapstructure:"extensions"`
	MainFields []string          `mapstructure:"main_fields"`
	Roots      []string          `mapstructure:"roots"`
	// Fallback lists bare specifiers that resolve to an empty module.
	Fallback []string `mapstructure:"fallback"`
}

type OutputConfig struct {
	Path          string `mapstructure:"path"`
	Filename      string `mapstructure:"filename"`
	ChunkFilename string `mapstructure:"chunk_filename"`
	CSSFilename   string `mapstructure:"css_filename"`
	PublicPath    string `mapstructure:"public_path"`
	HashLength    int    `mapstructure:"hash_length"`
	Clean         bool   `mapstructure:"clean"`
	SourceMaps    bool   `mapstructure:"source_maps"`
}

type BuildConfig struct {
	Workers            int `mapstructure:"workers"`
	DuplicateThreshold int `mapstructure:"duplicate_threshold"`
	CacheSizeMB        int `mapstructure:"cache_size_mb"`
}

type ServerConfig struct {
	Host               string            `mapstructure:"host"`
	Port               int               `mapstructure:"port"`
	Open               bool              `mapstructure:"open"`
	Hot                bool              `mapstructure:"hot"`
	HistoryAPIFallback bool              `mapstructure:"history_api_fallback"`
	Headers            map[string]string `mapstructure:"headers"`
	AllowedOrigins     []string          `mapstructure:"allowed_origins"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Ignore   []string      `mapstructure:"ignore"`
	Paths    []string      `mapstructure:"paths"`
}

type HTMLConfig struct {
	Template string `mapstructure:"template"`
	Filename string `mapstructure:"filename"`
}

type AssetsConfig struct {
	Filename string `mapstructure:"filename"`
	Hashed   bool   `mapstructure:"hashed"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Entry is a named entry point.
type Entry struct {
	Name string
	Path string
}

// Load reads the configuration from viper, applies defaults and validates it.
func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := applyDefaults(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *Config) error {
	if config.Context == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		config.Context = wd
	}
	abs, err := filepath.Abs(config.Context)
	if err != nil {
		return fmt.Errorf("context %q: %w", config.Context, err)
	}
	config.Context = abs

	if config.Mode == "" {
		config.Mode = ModeDevelopment
	}
	// viper hands comma-separated env values over as a single string
	if len(config.Entries) == 1 && strings.Contains(config.Entries[0], ",") {
		config.Entries = strings.Split(config.Entries[0], ",")
	}
	if len(config.Entries) == 0 {
		config.Entries = []string{"src/index.ts"}
	}

	if config.Resolve.Alias == nil {
		config.Resolve.Alias = map[string]string{}
	}
	if !viper.IsSet("resolve.extensions") {
		config.Resolve.Extensions = []string{".ts", ".js", ".mjs", ".html", ".svelte", ".sass"}
	}
	if !viper.IsSet("resolve.main_fields") {
		config.Resolve.MainFields = []string{"svelte", "browser", "module", "main"}
	}

	if config.Output.Path == "" {
		config.Output.Path = "dist"
	}
	if config.Output.Filename == "" {
		config.Output.Filename = "[name].[chunkhash:8].js"
	}
	if config.Output.ChunkFilename == "" {
		config.Output.ChunkFilename = "[name].[chunkhash:8].js"
	}
	if config.Output.CSSFilename == "" {
		config.Output.CSSFilename = "[name].[contenthash:8].css"
	}
	if config.Output.PublicPath == "" {
		config.Output.PublicPath = "/"
	}
	if config.Output.HashLength == 0 {
		config.Output.HashLength = 8
	}
	if !viper.IsSet("output.source_maps") {
		config.Output.SourceMaps = config.Mode == ModeDevelopment
	}

	if config.Build.Workers == 0 {
		config.Build.Workers = runtime.NumCPU()
	}
	// an explicit 0 turns the transform cache off
	if !viper.IsSet("build.cache_size_mb") {
		config.Build.CacheSizeMB = 64
	}

	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if !viper.IsSet("server.port") {
		config.Server.Port = 8080
	}
	if !viper.IsSet("server.hot") {
		config.Server.Hot = true
	}
	if !viper.IsSet("server.history_api_fallback") {
		config.Server.HistoryAPIFallback = true
	}
	if config.Server.Headers == nil {
		config.Server.Headers = map[string]string{
			"Access-Control-Allow-Origin":  "*",
			"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, PATCH, OPTIONS",
			"Access-Control-Allow-Headers": "X-Requested-With, content-type, Authorization",
		}
	}

	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = 100 * time.Millisecond
	}
	if len(config.Watch.Ignore) == 0 {
		config.Watch.Ignore = []string{"node_modules", ".git"}
	}
	if len(config.Watch.Paths) == 0 {
		config.Watch.Paths = []string{"."}
	}

	if config.HTML.Filename == "" {
		config.HTML.Filename = "index.html"
	}

	if config.Assets.Filename == "" {
		config.Assets.Filename = "[name].[hash:8][ext]"
	}
	if !viper.IsSet("assets.hashed") {
		config.Assets.Hashed = true
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}

	return nil
}

// Production reports whether optimisations such as minification apply.
func (c *Config) Production() bool {
	return c.Mode == ModeProduction
}

// Abs resolves p against the context directory.
func (c *Config) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Context, p)
}

// OutputDir is the absolute output directory.
func (c *Config) OutputDir() string {
	return c.Abs(c.Output.Path)
}

// EntryPoints parses Entries. Each entry is either "name=path" or a bare
// path whose file stem becomes the name.
func (c *Config) EntryPoints() []Entry {
	out := make([]Entry, 0, len(c.Entries))
	for _, raw := range c.Entries {
		out = append(out, ParseEntry(raw))
	}
	return out
}

// ParseEntry parses a single "name=path" or "path" entry.
func ParseEntry(raw string) Entry {
	raw = strings.TrimSpace(raw)
	if name, p, ok := strings.Cut(raw, "="); ok {
		return Entry{Name: strings.TrimSpace(name), Path: strings.TrimSpace(p)}
	}
	base := filepath.Base(raw)
	return Entry{Name: strings.TrimSuffix(base, filepath.Ext(base)), Path: raw}
}

// AliasTargets returns the alias table with relative targets made absolute.
// Targets that are bare module names are kept as written.
func (c *Config) AliasTargets() map[string]string {
	out := make(map[string]string, len(c.Resolve.Alias))
	for key, target := range c.Resolve.Alias {
		if strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../") || target == "." {
			target = c.Abs(target)
		}
		out[key] = target
	}
	return out
}

// ResolveRoots returns the configured module roots as absolute paths.
func (c *Config) ResolveRoots() []string {
	out := make([]string, 0, len(c.Resolve.Roots))
	for _, r := range c.Resolve.Roots {
		out = append(out, c.Abs(r))
	}
	return out
}
