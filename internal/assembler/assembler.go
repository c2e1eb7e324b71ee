// Package assembler watches for fully settled parent jobs and composes the
// final transcript: done chunks joined in index order, optional post-mode
// LLM correction, the final stream event, and webhook notification.
package assembler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
	"github.com/audioscribe/audioscribe/internal/observability"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/stream"
	"github.com/audioscribe/audioscribe/internal/transcribe"
)

// Post-mode correction retry bounds.
const (
	postCorrectAttempts = 4
)

// postCorrectDelays are the backoff delays between post-mode correction
// attempts.
var postCorrectDelays = []time.Duration{time.Second, 5 * time.Second, 20 * time.Second}

// Notifier receives the terminal notification for a parent job. The webhook
// dispatcher implements it; a nil notifier disables notification.
type Notifier interface {
	Notify(ctx context.Context, parent *jobs.ParentJob)
}

// Config wires the assembler's collaborators.
type Config struct {
	Jobs      *jobs.Store
	Corrector transcribe.Corrector
	Limiter   *ratelimit.Limiter
	Sink      stream.Sink
	Metrics   *observability.Metrics
	Notifier  Notifier
}

// Assembler implements processor.Finalizer. MaybeFinalize is called after
// every terminal chunk commit and is a no-op until the last chunk settles.
type Assembler struct {
	jobs      *jobs.Store
	corrector transcribe.Corrector
	limiter   *ratelimit.Limiter
	sink      stream.Sink
	metrics   *observability.Metrics
	notifier  Notifier
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	rerun    map[string]bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Assembler.
func New(cfg Config) *Assembler {
	return &Assembler{
		jobs:      cfg.Jobs,
		corrector: cfg.Corrector,
		limiter:   cfg.Limiter,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		notifier:  cfg.Notifier,
		logger:    logging.ForService("assembler"),
		inFlight:  make(map[string]bool),
		rerun:     make(map[string]bool),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// MaybeFinalize finalizes the parent if every sub-job settled. Concurrent
// calls for the same parent collapse onto the running pass, which reruns
// once it finishes: the running pass may have read the caller's sub-job
// before its terminal commit landed, so the call must not be dropped.
func (a *Assembler) MaybeFinalize(ctx context.Context, parentID string) {
	a.mu.Lock()
	if a.inFlight[parentID] {
		a.rerun[parentID] = true
		a.mu.Unlock()
		return
	}
	a.inFlight[parentID] = true
	a.mu.Unlock()

	for {
		if err := a.finalize(ctx, parentID); err != nil {
			a.logger.Error("finalization failed", "parent_job_id", parentID, "error", err.Error())
		}
		a.mu.Lock()
		if a.rerun[parentID] {
			delete(a.rerun, parentID)
			a.mu.Unlock()
			continue
		}
		delete(a.inFlight, parentID)
		a.mu.Unlock()
		return
	}
}

func (a *Assembler) finalize(ctx context.Context, parentID string) error {
	parent, err := a.jobs.GetParent(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}

	counters, subs, err := a.jobs.Recount(ctx, parent)
	if err != nil {
		return err
	}
	status, settled := jobs.DeriveTerminalStatus(parent.TotalChunks, counters)
	if !settled {
		return nil
	}

	transcript, segments := compose(subs)
	if transcript != "" && parent.UseLLM && parent.LLMMode == jobs.LLMModePost {
		if corrected, corrErr := a.correctWithRetry(ctx, transcript); corrErr == nil {
			transcript = corrected
		} else {
			a.logger.Warn("post-mode correction failed, keeping raw transcript",
				"parent_job_id", parentID, "error", corrErr.Error())
		}
	}

	now := time.Now()
	parent, err = a.jobs.UpdateParent(ctx, parentID, func(p *jobs.ParentJob) {
		p.Status = status
		p.FinalTranscript = transcript
		p.Segments = segments
		p.CompletedAt = &now
	})
	if err != nil {
		return err
	}

	a.logger.Info("parent job finalized",
		"parent_job_id", parentID,
		"status", string(status),
		"done", counters.Done,
		"failed", counters.Failed,
		"skipped", counters.Skipped,
		"transcript_len", len(transcript))
	if a.metrics != nil {
		a.metrics.ActiveJobs.Dec()
	}

	a.sink.Publish(parentID, &stream.FinalEvent{
		Type:            stream.TypeFinal,
		ParentJobID:     parentID,
		FinalTranscript: transcript,
		Segments:        segments,
	})
	a.sink.CloseStream(parentID)

	if a.notifier != nil && parent.WebhookURL != "" {
		a.notifier.Notify(ctx, parent)
	}
	return nil
}

// compose joins done chunks' text with single spaces in chunk-index order
// and aggregates their segments. Failed and skipped chunks are excluded.
func compose(subs []*jobs.SubJob) (string, []jobs.Segment) {
	var parts []string
	var segments []jobs.Segment
	for _, sub := range subs {
		if sub == nil || sub.Status != jobs.SubJobDone {
			continue
		}
		if text := sub.Text(); text != "" {
			parts = append(parts, text)
		}
		segments = append(segments, sub.Segments...)
	}
	return strings.Join(parts, " "), segments
}

func (a *Assembler) correctWithRetry(ctx context.Context, transcript string) (string, error) {
	if a.corrector == nil {
		return transcript, nil
	}
	var lastErr error
	for attempt := 1; attempt <= postCorrectAttempts; attempt++ {
		var corrected string
		err := a.limiter.Do(ctx, ratelimit.ClassLLM, func(ctx context.Context) error {
			c, llmErr := a.corrector.Correct(ctx, transcript)
			if llmErr != nil {
				return llmErr
			}
			corrected = c
			return nil
		})
		if err == nil {
			return corrected, nil
		}
		lastErr = err
		if attempt == postCorrectAttempts {
			break
		}
		delay := postCorrectDelays[min(attempt-1, len(postCorrectDelays)-1)]
		a.logger.Debug("post-mode correction attempt failed",
			"attempt", attempt, "delay", delay.String(), "error", err.Error())
		if sleepErr := a.sleep(ctx, delay); sleepErr != nil {
			return "", lastErr
		}
	}
	return "", lastErr
}
