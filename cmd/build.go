package cmd

import (
	"errors"

	"github.com/conneroisu/bundlr/internal/config"
	"github.com/conneroisu/bundlr/internal/logging"
	"github.com/conneroisu/bundlr/internal/output"
	"github.com/conneroisu/bundlr/internal/session"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the project once and exit",
	Long: `Resolve the module graph from the configured entries, transform every
module, split the result into chunks and write them with manifest.json.

Examples:
  bundlr build                          # Build with .bundlr.yml
  bundlr build --mode production        # Minify, no source maps
  bundlr build --out public --clean     # Replace the contents of public/
  bundlr build -o json                  # Machine readable report`,
	RunE: runBuild,
}

var buildFlags *StandardFlags

func init() {
	rootCmd.AddCommand(buildCmd)

	buildFlags = AddStandardFlags(buildCmd, "build", "output")
}

// reportedError marks an error that was already printed to the user.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func reported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

// setup loads the configuration and creates the logger and formatter
// shared by the build commands.
func setup(cmd *cobra.Command, flags *StandardFlags) (*config.Config, logging.Logger, *output.Formatter, error) {
	if err := flags.ValidateFlags(); err != nil {
		return nil, nil, nil, err
	}
	formatter, err := flags.Formatter(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, formatter, nil
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, formatter, err := setup(cmd, buildFlags)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Options{
		FS:     afero.NewOsFs(),
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	out, err := sess.Build(cmd.Context())
	if err != nil {
		formatter.PrintBuildError(err)
		return reportedError{err}
	}

	report := output.NewBuildReport(uint64(out.Generation), out.Duration, out.Graph, out.Chunks, out.Result)
	return formatter.PrintBuildReport(report)
}
