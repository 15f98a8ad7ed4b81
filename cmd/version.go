package cmd

import (
	"fmt"

	"github.com/conneroisu/bundlr/internal/output"
	"github.com/conneroisu/bundlr/internal/version"
	"github.com/spf13/cobra"
)

var (
	versionFormat string
	versionShort  bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for bundlr including the release, the
commit it was built from, the build time, the Go version and the target
platform.

Examples:
  bundlr version               # Show version details
  bundlr version --short       # Version and commit only
  bundlr version --format json # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json, yaml)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

func runVersionCommand(cmd *cobra.Command, _ []string) error {
	info := version.Get()

	switch versionFormat {
	case "text":
		if versionShort {
			fmt.Fprintln(cmd.OutOrStdout(), info.Short())
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	case "json", "yaml":
		format, _ := output.ParseFormat(versionFormat)
		formatter := output.NewFormatter(format, false)
		formatter.Writer = cmd.OutOrStdout()
		return formatter.Print(info)
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json, yaml)", versionFormat)
	}
}
