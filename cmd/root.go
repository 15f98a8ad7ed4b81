// Package cmd provides the bundlr command-line interface.
//
// Configuration is read from, in order of precedence:
//  1. command-line flags (--port, --mode, ...)
//  2. BUNDLR_<SECTION>_<OPTION> environment variables, e.g. BUNDLR_SERVER_PORT
//  3. the config file: --config, else BUNDLR_CONFIG_FILE, else .bundlr.yml
//  4. built-in defaults
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/conneroisu/bundlr/internal/config"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bundlr",
	Short: "A module bundler with an incremental dev server",
	Long: `bundlr resolves a project's module graph from its entry points, runs every
module through the plugin transform chain, splits the result into content-hashed
chunks and writes them with a manifest.

Quick Start:
  bundlr init        Write a starter .bundlr.yml
  bundlr build       Build once and exit
  bundlr serve       Rebuild on change and push hot updates to the browser
  bundlr graph       Show the module graph and chunk membership`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: bindFlags,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !reported(err) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .bundlr.yml, can also use BUNDLR_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("mode", "", "build mode (development, production)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"mode":        "mode",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"out":         "output.path",
	"public-path": "output.public_path",
	"clean":       "output.clean",
	"source-maps": "output.source_maps",
	"workers":     "build.workers",
	"port":        "server.port",
	"host":        "server.host",
	"open":        "server.open",
	"hot":         "server.hot",
	"debounce":    "watch.debounce",
}

// bindFlags binds the flags set on the command line to their
// configuration keys. Unset flags leave the config file and defaults alone.
func bindFlags(cmd *cobra.Command, _ []string) error {
	var err error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = viper.BindPFlag(key, f)
	})
	return err
}

// initConfig selects the config file and environment binding.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("BUNDLR_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".bundlr")
	}

	viper.SetEnvPrefix("BUNDLR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// loadConfig reads the config file, if any, and returns the validated
// configuration.
func loadConfig() (*config.Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return config.Load()
}

// newLogger builds the logger described by cfg.Log.
func newLogger(cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = cfg.Log.Format
	return logging.NewLogger(lc), nil
}
