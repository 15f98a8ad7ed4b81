package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/conneroisu/bundlr/internal/output"
	"github.com/conneroisu/bundlr/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inProject runs the test from a fresh project directory.
func inProject(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(oldDir)
	})
	return dir
}

// execute runs the root command with args and returns stdout and stderr.
// Flag values left over from earlier runs are reset first.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	cfgFile = ""
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func TestInitCommand(t *testing.T) {
	dir := inProject(t)

	stdout, _, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "created .bundlr.yml")

	assert.FileExists(t, filepath.Join(dir, ".bundlr.yml"))
	assert.FileExists(t, filepath.Join(dir, "index.html"))
	assert.FileExists(t, filepath.Join(dir, "src", "index.ts"))

	t.Run("keeps existing files", func(t *testing.T) {
		writeFile(t, "index.html", "<html>mine</html>")
		stdout, _, err := execute(t, "init")
		require.NoError(t, err)
		assert.Contains(t, stdout, "kept index.html")

		data, err := os.ReadFile("index.html")
		require.NoError(t, err)
		assert.Equal(t, "<html>mine</html>", string(data))
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, _, err := execute(t, "init", "--force")
		require.NoError(t, err)
		data, err := os.ReadFile("index.html")
		require.NoError(t, err)
		assert.Contains(t, string(data), `<div id="app">`)
	})
}

func TestBuildCommand(t *testing.T) {
	dir := inProject(t)
	_, _, err := execute(t, "init")
	require.NoError(t, err)

	stdout, _, err := execute(t, "build", "-o", "json")
	require.NoError(t, err)

	var report output.BuildReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, uint64(1), report.Generation)
	assert.Equal(t, 1, report.Modules)
	assert.Equal(t, []string{"index"}, report.Chunks)

	files := make([]string, 0, len(report.Artifacts))
	for _, a := range report.Artifacts {
		files = append(files, a.File)
	}
	assert.Contains(t, files, "manifest.json")
	assert.Contains(t, files, "index.html")

	assert.FileExists(t, filepath.Join(dir, "dist", "manifest.json"))
	assert.FileExists(t, filepath.Join(dir, "dist", "index.html"))
}

func TestBuildCommandFlagsOverrideConfig(t *testing.T) {
	dir := inProject(t)
	_, _, err := execute(t, "init")
	require.NoError(t, err)

	_, _, err = execute(t, "build", "--out", "public", "-q")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "public", "manifest.json"))
	assert.NoDirExists(t, filepath.Join(dir, "dist"))

	t.Run("environment", func(t *testing.T) {
		t.Setenv("BUNDLR_OUTPUT_PATH", "from-env")
		_, _, err := execute(t, "build", "-q")
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, "from-env", "manifest.json"))
	})
}

func TestBuildCommandReportsErrors(t *testing.T) {
	inProject(t)
	writeFile(t, ".bundlr.yml", "entries:\n  - src/main.js\n")
	writeFile(t, "src/main.js", `require("./missing");`)

	_, stderr, err := execute(t, "build")
	require.Error(t, err)
	assert.True(t, reported(err))
	assert.Contains(t, stderr, "build 1 failed")
	assert.Contains(t, stderr, "./missing")
}

func TestBuildCommandInvalidFlags(t *testing.T) {
	inProject(t)

	_, _, err := execute(t, "build", "-o", "xml")
	assert.Error(t, err)

	_, _, err = execute(t, "build", "--workers=-2")
	assert.ErrorContains(t, err, "workers cannot be negative")
}

func TestGraphCommand(t *testing.T) {
	dir := inProject(t)
	writeFile(t, ".bundlr.yml", "entries:\n  - main=src/main.js\n")
	writeFile(t, "src/main.js", `require("./a"); import("./lazy");`)
	writeFile(t, "src/a.js", `module.exports = 1;`)
	writeFile(t, "src/lazy.js", `module.exports = 2;`)

	stdout, _, err := execute(t, "graph", "-o", "json")
	require.NoError(t, err)

	var report output.GraphReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, []string{filepath.Join(dir, "src", "main.js")}, report.Entries)
	assert.Len(t, report.Modules, 3)

	// graph builds in memory only
	assert.NoDirExists(t, filepath.Join(dir, "dist"))
}

func TestVersionCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{
			name: "text",
			args: []string{"version"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "bundlr ")
				assert.Contains(t, out, "platform:")
			},
		},
		{
			name: "short",
			args: []string{"version", "--short"},
			check: func(t *testing.T, out string) {
				assert.Equal(t, version.Get().Short()+"\n", out)
			},
		},
		{
			name: "json",
			args: []string{"version", "--format", "json"},
			check: func(t *testing.T, out string) {
				var info version.BuildInfo
				require.NoError(t, json.Unmarshal([]byte(out), &info))
				assert.NotEmpty(t, info.GoVersion)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, tt.args...)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}

	_, _, err := execute(t, "version", "--format", "xml")
	assert.Error(t, err)
}

func TestFlagKeysAreConfigKeys(t *testing.T) {
	known := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) { known[f.Name] = true })
	}
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { known[f.Name] = true })

	for name := range flagKeys {
		assert.True(t, known[name], "flag %q is not defined by any command", name)
	}
}
