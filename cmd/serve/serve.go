// Package serve implements the serve subcommand: run the HTTP service.
package serve

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/server"
)

// Command returns the serve subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transcription HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringVar(&settings.HTTP.Address, "address", settings.HTTP.Address, "HTTP listen address")
	return cmd
}

func run(ctx context.Context, settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, settings)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}
