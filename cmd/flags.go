package cmd

import (
	"fmt"
	"time"

	"github.com/conneroisu/bundlr/internal/output"
	"github.com/spf13/cobra"
)

// StandardFlags provides consistent flag definitions across commands
type StandardFlags struct {
	// Server flags
	Port     int
	Host     string
	Open     bool
	Hot      bool
	Debounce time.Duration

	// Build flags
	Out        string
	PublicPath string
	Clean      bool
	SourceMaps bool
	Workers    int

	// Output flags
	OutputFormat string
	Quiet        bool
}

// AddStandardFlags adds standard flags to a command
func AddStandardFlags(cmd *cobra.Command, flagTypes ...string) *StandardFlags {
	flags := &StandardFlags{}

	for _, flagType := range flagTypes {
		switch flagType {
		case "server":
			addServerFlags(cmd, flags)
		case "build":
			addBuildFlags(cmd, flags)
		case "output":
			addOutputFlags(cmd, flags)
		}
	}

	return flags
}

func addServerFlags(cmd *cobra.Command, flags *StandardFlags) {
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 8080, "Port to serve on")
	cmd.Flags().StringVar(&flags.Host, "host", "localhost", "Host to bind to")
	cmd.Flags().BoolVar(&flags.Open, "open", false, "Open the browser once the server is listening")
	cmd.Flags().BoolVar(&flags.Hot, "hot", true, "Push hot updates to connected clients")
	cmd.Flags().DurationVar(&flags.Debounce, "debounce", 100*time.Millisecond, "Quiet period before a rebuild starts")
}

func addBuildFlags(cmd *cobra.Command, flags *StandardFlags) {
	cmd.Flags().StringVar(&flags.Out, "out", "dist", "Output directory")
	cmd.Flags().StringVar(&flags.PublicPath, "public-path", "/", "URL prefix of emitted files")
	cmd.Flags().BoolVar(&flags.Clean, "clean", false, "Remove stale files from the output directory")
	cmd.Flags().BoolVar(&flags.SourceMaps, "source-maps", false, "Emit source maps (default on in development)")
	cmd.Flags().IntVarP(&flags.Workers, "workers", "j", 0, "Concurrent transforms (default number of CPUs)")
}

func addOutputFlags(cmd *cobra.Command, flags *StandardFlags) {
	cmd.Flags().StringVarP(&flags.OutputFormat, "output", "o", "table", "Output format (table|json|yaml)")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Suppress output")
}

// ValidateFlags validates flag combinations and values
func (f *StandardFlags) ValidateFlags() error {
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", f.Port)
	}
	if f.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", f.Workers)
	}
	if f.Debounce < 0 {
		return fmt.Errorf("debounce cannot be negative, got %s", f.Debounce)
	}
	if f.OutputFormat != "" {
		if _, err := output.ParseFormat(f.OutputFormat); err != nil {
			return err
		}
	}
	return nil
}

// Formatter returns the output formatter selected by the output flags,
// writing to the command's streams.
func (f *StandardFlags) Formatter(cmd *cobra.Command) (*output.Formatter, error) {
	format, err := output.ParseFormat(f.OutputFormat)
	if err != nil {
		return nil, err
	}
	formatter := output.NewFormatter(format, f.Quiet)
	formatter.Writer = cmd.OutOrStdout()
	formatter.ErrWriter = cmd.ErrOrStderr()
	return formatter, nil
}
