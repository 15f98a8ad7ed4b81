package cmd

import (
	"github.com/conneroisu/bundlr/internal/output"
	"github.com/conneroisu/bundlr/internal/session"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show the module graph and chunk membership",
	Long: `Build the project in memory and list every module with the chunks that
contain it, its imports and its importers. Import cycles are reported as
warnings. Nothing is written to the output directory.

Examples:
  bundlr graph              # Table of modules
  bundlr graph -o yaml      # Full graph as YAML`,
	RunE: runGraph,
}

var graphFlags *StandardFlags

func init() {
	rootCmd.AddCommand(graphCmd)

	graphFlags = AddStandardFlags(graphCmd, "output")
}

func runGraph(cmd *cobra.Command, _ []string) error {
	cfg, logger, formatter, err := setup(cmd, graphFlags)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Options{
		FS:       afero.NewOsFs(),
		OutputFS: afero.NewMemMapFs(),
		Config:   cfg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	out, err := sess.Build(cmd.Context())
	if err != nil {
		formatter.PrintBuildError(err)
		return reportedError{err}
	}
	return formatter.PrintGraphReport(output.NewGraphReport(out.Graph, out.Chunks))
}
