package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	Aliases: []string{"i"},
	Short:   "Write a starter configuration and entry module",
	Long: `Create .bundlr.yml, an index.html template and src/index.ts in the given
directory, or the current one. Existing files are kept unless --force is set.

Examples:
  bundlr init                  # Initialize the current directory
  bundlr init web              # Initialize ./web
  bundlr init --entry app.js   # Use a different entry module`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var (
	initEntry string
	initForce bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initEntry, "entry", "src/index.ts", "Entry module to create")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

// starterConfig is the .bundlr.yml written by init.
type starterConfig struct {
	Mode    string   `yaml:"mode"`
	Entries []string `yaml:"entries"`
	Output  struct {
		Path       string `yaml:"path"`
		PublicPath string `yaml:"public_path"`
		Clean      bool   `yaml:"clean"`
	} `yaml:"output"`
	Server struct {
		Port int  `yaml:"port"`
		Hot  bool `yaml:"hot"`
	} `yaml:"server"`
	HTML struct {
		Template string `yaml:"template"`
	} `yaml:"html"`
}

const starterHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8">
    <title>bundlr</title>
  </head>
  <body>
    <div id="app"></div>
  </body>
</html>
`

const starterModule = `const app = document.getElementById("app");
if (app) {
  app.textContent = "Hello from bundlr";
}

if (import.meta.hot) {
  import.meta.hot.accept();
}
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}

	var cfg starterConfig
	cfg.Mode = "development"
	cfg.Entries = []string{initEntry}
	cfg.Output.Path = "dist"
	cfg.Output.PublicPath = "/"
	cfg.Output.Clean = true
	cfg.Server.Port = 8080
	cfg.Server.Hot = true
	cfg.HTML.Template = "index.html"

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{".bundlr.yml", data},
		{"index.html", []byte(starterHTML)},
		{initEntry, []byte(starterModule)},
	}
	for _, f := range files {
		target := filepath.Join(dir, f.name)
		if _, err := os.Stat(target); err == nil && !initForce {
			fmt.Fprintf(cmd.OutOrStdout(), "kept %s\n", target)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, f.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", target)
	}
	return nil
}
