// Package chunk implements the chunk subcommand: split a local audio file
// the same way the service would and report the resulting plan.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audioscribe/audioscribe/internal/chunker"
	"github.com/audioscribe/audioscribe/internal/conf"
)

// Command returns the chunk subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "chunk [input file]",
		Short: "Split an audio file into upload-ready chunks",
		Long: `Split a local audio file with the same format-aware chunker the
service uses, printing the chunk plan. With --output the chunk payloads are
written out as individual files, each independently decodable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args[0], settings.Upload.ChunkSizeMB, outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory to write chunk payloads to")
	cmd.Flags().IntVar(&settings.Upload.ChunkSizeMB, "chunk-size", settings.Upload.ChunkSizeMB, "Chunk size in MiB")
	return cmd
}

func run(path string, chunkSizeMB int, outputDir string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	result, err := chunker.Split(buf, chunkSizeMB*1024*1024, filepath.Base(path))
	if err != nil {
		return err
	}

	fmt.Printf("file: %s (%d bytes, format %s)\n", path, len(buf), result.Format)
	if result.Warning != "" {
		fmt.Printf("warning: %s\n", result.Warning)
	}
	fmt.Printf("%-6s %-12s %-12s %-10s %s\n", "chunk", "start", "end", "bytes", "playable")
	for i, c := range result.Chunks {
		fmt.Printf("%-6d %-12d %-12d %-10d %v\n", i, c.Start, c.End, len(c.Bytes), c.IsPlayable)
	}

	if outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	ext := filepath.Ext(path)
	for i, c := range result.Chunks {
		name := filepath.Join(outputDir, fmt.Sprintf("chunk.%d%s", i, ext))
		if err := os.WriteFile(name, c.Bytes, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	fmt.Printf("wrote %d chunks to %s\n", len(result.Chunks), outputDir)
	return nil
}
