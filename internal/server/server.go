// Package server assembles the transcription service: stores, clients,
// pipeline components, and the HTTP surface.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/audioscribe/audioscribe/internal/api"
	"github.com/audioscribe/audioscribe/internal/assembler"
	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/coordinator"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
	"github.com/audioscribe/audioscribe/internal/observability"
	"github.com/audioscribe/audioscribe/internal/processor"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/store"
	"github.com/audioscribe/audioscribe/internal/stream"
	"github.com/audioscribe/audioscribe/internal/transcribe"
)

// Server holds the assembled service.
type Server struct {
	Echo        *echo.Echo
	Settings    *conf.Settings
	Coordinator *coordinator.Coordinator
	Metrics     *observability.Metrics

	logger *slog.Logger
}

// New builds the full component graph from settings.
func New(ctx context.Context, settings *conf.Settings) (*Server, error) {
	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	blob, err := newBlob(ctx, settings)
	if err != nil {
		return nil, err
	}
	bucket := settings.ObjectStore.Bucket

	jobStore := jobs.NewStore(store.NewMemoryKV(), settings.KV.JobTTL, settings.KV.CompletedTTL)
	hub := stream.NewHub()
	limiter := ratelimit.New(ratelimit.Config{
		Transcription:   settings.Limits.Transcription,
		LLM:             settings.Limits.LLM,
		JobSpawn:        settings.Limits.JobSpawn,
		ChunkProcessing: settings.Limits.ChunkProcessing,
	})

	var corrector transcribe.Corrector
	if settings.LLM.Endpoint != "" {
		corrector = transcribe.NewLLMClient(&settings.LLM)
	}

	asm := assembler.New(assembler.Config{
		Jobs:      jobStore,
		Corrector: corrector,
		Limiter:   limiter,
		Sink:      hub,
		Metrics:   metrics,
		Notifier:  assembler.NewWebhookDispatcher(),
	})

	proc := processor.New(processor.Config{
		Jobs:      jobStore,
		Blob:      blob,
		Bucket:    bucket,
		Client:    transcribe.NewHTTPClient(&settings.Transcription),
		Corrector: corrector,
		Limiter:   limiter,
		Sink:      hub,
		Metrics:   metrics,
		Finalizer: asm,
	})

	coord := coordinator.New(coordinator.Config{
		Jobs:      jobStore,
		Blob:      blob,
		Bucket:    bucket,
		Hub:       hub,
		Limiter:   limiter,
		Processor: proc,
		Metrics:   metrics,
		Upload:    settings.Upload,
	})

	e := echo.New()
	e.HideBanner = true
	e.IPExtractor = echo.ExtractIPFromXFFHeader()
	api.New(e, settings, coord, hub, limiter, metrics)

	return &Server{
		Echo:        e,
		Settings:    settings,
		Coordinator: coord,
		Metrics:     metrics,
		logger:      logging.ForService("server"),
	}, nil
}

func newBlob(ctx context.Context, settings *conf.Settings) (store.Blob, error) {
	switch settings.ObjectStore.Backend {
	case "s3":
		return store.NewS3Blob(ctx, settings.ObjectStore.Region, settings.ObjectStore.Endpoint)
	default:
		return store.NewMemoryBlob(), nil
	}
}

// Start runs the HTTP listener until the context is cancelled, then shuts
// down gracefully: stop accepting, wait for dispatched chunk processing,
// close the listener.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Echo.Start(s.Settings.HTTP.Address)
	}()
	s.logger.Info("server started",
		"address", s.Settings.HTTP.Address,
		"objectstore", s.Settings.ObjectStore.Backend)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.Coordinator.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Echo.Shutdown(shutdownCtx)
}
