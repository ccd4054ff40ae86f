// Package main provides the chainmesh CLI.
//
// The CLI runs a prompt | model | parser pipeline described in YAML:
//
//	chainmesh run summarize.yaml --var text="..." --stream
//
// Provider credentials are read from the environment by the provider SDKs
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, the default AWS credential chain).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chainmesh",
		Short:        "Run composable LLM pipelines",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildRunCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
