package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rulectl",
		Short: "Run declarative rule packs",
		Long: `rulectl loads rule packs written in CUE, YAML or JSON and runs them
against a model document.

Features:
  - Typed rule packs via CUE
  - Rule bodies and conditions in Starlark
  - Rego policies for gating rules and linting packs
  - Ordered, nested, terminating and parallel rules
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand(version))
	rootCmd.AddCommand(newGraphCommand())

	return rootCmd
}
