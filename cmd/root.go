// Package cmd wires the CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/audioscribe/audioscribe/cmd/chunk"
	"github.com/audioscribe/audioscribe/cmd/serve"
	"github.com/audioscribe/audioscribe/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "audioscribe",
		Short: "Chunked streaming audio transcription service",
	}

	rootCmd.PersistentFlags().BoolVar(&settings.Debug, "debug", settings.Debug, "Enable debug output")

	rootCmd.AddCommand(serve.Command(settings))
	rootCmd.AddCommand(chunk.Command(settings))
	return rootCmd
}
