// Package processor executes one sub-job end to end: fetch the chunk bytes,
// preprocess the file head, transcribe under the retry policy, optionally
// correct through the LLM, and commit the result with event emission.
package processor

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/audioscribe/audioscribe/internal/chunker"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
	"github.com/audioscribe/audioscribe/internal/observability"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/store"
	"github.com/audioscribe/audioscribe/internal/stream"
	"github.com/audioscribe/audioscribe/internal/transcribe"
)

// Finalizer is poked after every terminal sub-job commit; the assembler
// implements it and composes the final transcript once all chunks settled.
type Finalizer interface {
	MaybeFinalize(ctx context.Context, parentID string)
}

// Options select per-parent processing behavior.
type Options struct {
	UseLLM  bool
	LLMMode string
	Model   string
}

// Config wires the processor's collaborators.
type Config struct {
	Jobs      *jobs.Store
	Blob      store.Blob
	Bucket    string
	Client    transcribe.Client
	Corrector transcribe.Corrector
	Limiter   *ratelimit.Limiter
	Sink      stream.Sink
	Metrics   *observability.Metrics
	Finalizer Finalizer
}

// Processor runs sub-jobs. At most one task processes a given sub-job at a
// time; the chunk_processing admission gate and the manual-retry
// precondition enforce that upstream.
type Processor struct {
	jobs      *jobs.Store
	blob      store.Blob
	bucket    string
	client    transcribe.Client
	corrector transcribe.Corrector
	limiter   *ratelimit.Limiter
	sink      stream.Sink
	metrics   *observability.Metrics
	finalizer Finalizer
	logger    *slog.Logger

	// sleep is injectable so retry tests run without real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Processor.
func New(cfg Config) *Processor {
	return &Processor{
		jobs:      cfg.Jobs,
		blob:      cfg.Blob,
		bucket:    cfg.Bucket,
		client:    cfg.Client,
		corrector: cfg.Corrector,
		limiter:   cfg.Limiter,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		finalizer: cfg.Finalizer,
		logger:    logging.ForService("processor"),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs the full pipeline for one sub-job. It returns the final
// sub-job record; transcription failures are committed to the record and
// reported through events rather than returned.
func (p *Processor) Process(ctx context.Context, subJobID string, opts Options) (*jobs.SubJob, error) {
	sub, err := p.jobs.GetSubJob(ctx, subJobID)
	if err != nil {
		return nil, err
	}
	if sub.Status != jobs.SubJobUploaded {
		return nil, errors.Newf("sub-job %s is %s, expected %s", subJobID, sub.Status, jobs.SubJobUploaded).
			Component("processor").
			Category(errors.CategoryJobState).
			JobContext(sub.ParentID, sub.ChunkIndex).
			Build()
	}

	parent, err := p.jobs.GetParent(ctx, sub.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == jobs.ParentCancelled {
		p.logger.Info("parent cancelled, skipping sub-job", "sub_job_id", subJobID)
		return sub, nil
	}

	started := time.Now()
	sub, err = p.jobs.UpdateSubJob(ctx, subJobID, func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobProcessing
		sj.ProcessingStartedAt = &started
	})
	if err != nil {
		return nil, err
	}

	audio, err := p.fetchChunk(ctx, sub)
	if err != nil {
		return p.commitFailure(ctx, sub, err, 0, started)
	}

	format := chunker.DetectFormat(parent.Filename)
	audio, err = prepareChunkBytes(audio, sub.ChunkIndex, format, p.logger)
	if err != nil {
		return p.commitFailure(ctx, sub, err, 0, started)
	}

	extension := chunker.Extension(parent.Filename)
	result, attempts, err := p.transcribeWithRetry(ctx, audio, extension, opts.Model, sub.ChunkIndex)
	if err != nil && sub.ChunkIndex == 0 {
		logChunkZeroDiagnostics(audio, p.logger)
		// One permissive fallback before giving up on the file head.
		if fallback := p.fallbackTranscribe(ctx, audio, extension, opts.Model); fallback != nil {
			result, err = fallback, nil
			attempts++
		}
	}
	if err != nil {
		if p.shouldSkip(sub.ChunkIndex, attempts, err) {
			return p.commitSkipped(ctx, sub, err, attempts, started)
		}
		return p.commitFailure(ctx, sub, err, attempts, started)
	}

	corrected, llmApplied := p.maybeCorrect(ctx, opts, result.Text)

	return p.commitDone(ctx, sub, result, corrected, llmApplied, attempts, started)
}

func (p *Processor) fetchChunk(ctx context.Context, sub *jobs.SubJob) ([]byte, error) {
	rc, err := p.blob.Get(ctx, p.bucket, sub.ObjectKey)
	if err != nil {
		return nil, errors.New(err).
			Component("processor").
			Category(errors.CategoryObjectIO).
			JobContext(sub.ParentID, sub.ChunkIndex).
			Context("object_key", sub.ObjectKey).
			Build()
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// transcribeWithRetry drives the exponential backoff loop. The attempt cap
// is re-evaluated against each error's category, so a run that flips from
// rate-limit to auth stops immediately.
func (p *Processor) transcribeWithRetry(ctx context.Context, audio []byte, extension, model string, chunkIndex int) (*transcribe.Result, int, error) {
	attempt := 0
	for {
		attempt++
		var result *transcribe.Result
		err := p.limiter.Do(ctx, ratelimit.ClassTranscription, func(ctx context.Context) error {
			r, trErr := p.client.Transcribe(ctx, audio, extension, model)
			if trErr != nil {
				return trErr
			}
			result = r
			return nil
		})
		if err == nil {
			return result, attempt, nil
		}

		category := errors.CategoryOf(err)
		retryable := errors.Retryable(category)
		maxAttempts := errors.MaxAttempts(category, chunkIndex)
		if probe, ok := skipProbeAttempts(chunkIndex, category, err); ok {
			// The file head keeps coming back as non-audio. Keep probing
			// until the skip rule's attempt threshold is met, so a transient
			// head failure is not mistaken for a metadata-only chunk.
			retryable = true
			maxAttempts = probe
		}
		if !retryable || attempt >= maxAttempts {
			return nil, attempt, err
		}

		p.logger.Debug("transcription attempt failed, retrying",
			"chunk_index", chunkIndex,
			"attempt", attempt,
			"category", string(category),
			"error", err.Error())
		if p.metrics != nil {
			p.metrics.TranscriptionRetries.Inc()
		}
		if sleepErr := p.sleep(ctx, errors.RetryDelay(attempt)); sleepErr != nil {
			return nil, attempt, err
		}
	}
}

// skipProbeAttempts returns the attempt cap for a chunk-0 no-audio error.
// These errors are normally non-retryable, but the skip rule only fires at
// three attempts for a "too short" signal and five otherwise, so the head is
// re-probed up to that threshold.
func skipProbeAttempts(chunkIndex int, category errors.ErrorCategory, err error) (int, bool) {
	if chunkIndex != 0 || !errors.IsNoAudio(err) {
		return 0, false
	}
	switch category {
	case errors.CategoryRateLimit, errors.CategoryNetworkTimeout:
		return 0, false
	}
	if errors.IsTooShort(err) {
		return 3, true
	}
	return 5, true
}

// fallbackTranscribe makes a single best-effort attempt with the permissive
// mp3 extension after chunk 0 exhausted its retries. Returns nil on failure.
func (p *Processor) fallbackTranscribe(ctx context.Context, audio []byte, extension, model string) *transcribe.Result {
	if extension == "mp3" {
		return nil
	}
	var result *transcribe.Result
	err := p.limiter.Do(ctx, ratelimit.ClassTranscription, func(ctx context.Context) error {
		r, trErr := p.client.Transcribe(ctx, audio, "mp3", model)
		if trErr != nil {
			return trErr
		}
		result = r
		return nil
	})
	if err != nil {
		p.logger.Debug("permissive fallback transcription failed", "error", err.Error())
		return nil
	}
	p.logger.Info("permissive fallback transcription succeeded")
	return result
}

// shouldSkip applies the chunk-0 skip rule: the head is acknowledged as
// non-audio and excluded instead of failing the parent.
func (p *Processor) shouldSkip(chunkIndex, attempts int, err error) bool {
	if chunkIndex != 0 {
		return false
	}
	if !errors.IsNoAudio(err) {
		return false
	}
	switch errors.CategoryOf(err) {
	case errors.CategoryRateLimit, errors.CategoryNetworkTimeout:
		return false
	}
	if attempts >= 5 {
		return true
	}
	return attempts >= 3 && errors.IsTooShort(err)
}

func (p *Processor) maybeCorrect(ctx context.Context, opts Options, text string) (string, bool) {
	if !opts.UseLLM || opts.LLMMode != jobs.LLMModePerChunk || text == "" || p.corrector == nil {
		return "", false
	}
	var corrected string
	err := p.limiter.Do(ctx, ratelimit.ClassLLM, func(ctx context.Context) error {
		c, llmErr := p.corrector.Correct(ctx, text)
		if llmErr != nil {
			return llmErr
		}
		corrected = c
		return nil
	})
	if err != nil {
		p.logger.Warn("LLM correction failed, keeping raw text", "error", err.Error())
		if p.metrics != nil {
			p.metrics.LLMCorrections.WithLabelValues("failed").Inc()
		}
		return "", false
	}
	if p.metrics != nil {
		p.metrics.LLMCorrections.WithLabelValues("applied").Inc()
	}
	return corrected, true
}

// cancelled reports whether result writes should become no-ops because the
// parent was cancelled while the chunk was in flight.
func (p *Processor) cancelled(ctx context.Context, parentID string) bool {
	parent, err := p.jobs.GetParent(ctx, parentID)
	if err != nil {
		// Cancel cascades record deletion; a vanished parent means the same.
		return errors.IsNotFound(err)
	}
	return parent.Status == jobs.ParentCancelled
}

func (p *Processor) commitDone(ctx context.Context, sub *jobs.SubJob, result *transcribe.Result, corrected string, llmApplied bool, attempts int, started time.Time) (*jobs.SubJob, error) {
	if p.cancelled(ctx, sub.ParentID) {
		return sub, nil
	}

	now := time.Now()
	elapsed := now.Sub(started)
	sub, err := p.jobs.UpdateSubJob(ctx, sub.ID, func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobDone
		sj.RawText = result.Text
		sj.CorrectedText = corrected
		sj.Segments = result.Segments
		sj.ProcessingTimeMS = elapsed.Milliseconds()
		sj.LLMApplied = llmApplied
		sj.RetryCount = attempts - 1
		sj.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}

	parent, err := p.jobs.MarkChunkCompleted(ctx, sub.ParentID, sub.ChunkIndex)
	if err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.ChunksProcessed.WithLabelValues("done").Inc()
		p.metrics.ProcessingDuration.Observe(elapsed.Seconds())
	}

	var correctedPtr *string
	if llmApplied {
		correctedPtr = &corrected
	}
	p.sink.Publish(sub.ParentID, &stream.ChunkCompleteEvent{
		Type:           stream.TypeChunkComplete,
		ChunkIndex:     sub.ChunkIndex,
		ParentJobID:    sub.ParentID,
		Text:           sub.Text(),
		RawText:        sub.RawText,
		CorrectedText:  correctedPtr,
		Segments:       sub.Segments,
		ProcessingTime: sub.ProcessingTimeMS,
		LLMApplied:     llmApplied,
	})
	p.publishProgress(parent)

	p.logger.Info("chunk transcribed",
		"parent_job_id", sub.ParentID,
		"chunk_index", sub.ChunkIndex,
		"attempts", attempts,
		"llm_applied", llmApplied,
		"duration_ms", elapsed.Milliseconds())

	if p.finalizer != nil {
		p.finalizer.MaybeFinalize(ctx, sub.ParentID)
	}
	return sub, nil
}

func (p *Processor) commitFailure(ctx context.Context, sub *jobs.SubJob, cause error, attempts int, started time.Time) (*jobs.SubJob, error) {
	if p.cancelled(ctx, sub.ParentID) {
		return sub, nil
	}

	category := errors.CategoryOf(cause)
	now := time.Now()
	sub, err := p.jobs.UpdateSubJob(ctx, sub.ID, func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobFailed
		sj.ErrorMessage = cause.Error()
		sj.ErrorCategory = string(category)
		sj.FinalRetryCount = max(attempts-1, 0)
		sj.RetryCount = max(attempts-1, 0)
		sj.ProcessingTimeMS = now.Sub(started).Milliseconds()
		sj.LastFailedAt = &now
	})
	if err != nil {
		return nil, err
	}

	if _, err := p.jobs.MarkChunkFailed(ctx, sub.ParentID, sub.ChunkIndex, cause.Error()); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ChunksProcessed.WithLabelValues("failed").Inc()
	}

	p.sink.Publish(sub.ParentID, &stream.ChunkErrorEvent{
		Type:        stream.TypeChunkError,
		ChunkIndex:  sub.ChunkIndex,
		ParentJobID: sub.ParentID,
		Error:       sub.ErrorMessage,
		ErrorType:   sub.ErrorCategory,
		RetryCount:  sub.FinalRetryCount,
	})

	if p.finalizer != nil {
		p.finalizer.MaybeFinalize(ctx, sub.ParentID)
	}
	return sub, nil
}

func (p *Processor) commitSkipped(ctx context.Context, sub *jobs.SubJob, cause error, attempts int, started time.Time) (*jobs.SubJob, error) {
	if p.cancelled(ctx, sub.ParentID) {
		return sub, nil
	}

	now := time.Now()
	sub, err := p.jobs.UpdateSubJob(ctx, sub.ID, func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobSkipped
		sj.RawText = ""
		sj.ErrorMessage = cause.Error()
		sj.ErrorCategory = string(errors.CategoryOf(cause))
		sj.FinalRetryCount = max(attempts-1, 0)
		sj.ProcessingTimeMS = now.Sub(started).Milliseconds()
		sj.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}

	if _, err := p.jobs.MarkChunkSkipped(ctx, sub.ParentID, sub.ChunkIndex); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ChunksProcessed.WithLabelValues("skipped").Inc()
	}

	p.logger.Info("chunk skipped as non-audio",
		"parent_job_id", sub.ParentID,
		"chunk_index", sub.ChunkIndex,
		"attempts", attempts,
		"reason", sub.ErrorMessage)

	p.sink.Publish(sub.ParentID, &stream.ChunkSkippedEvent{
		Type:        stream.TypeChunkSkipped,
		ChunkIndex:  sub.ChunkIndex,
		ParentJobID: sub.ParentID,
		Reason:      sub.ErrorMessage,
		Strategy:    "skip_metadata_only",
	})

	if p.finalizer != nil {
		p.finalizer.MaybeFinalize(ctx, sub.ParentID)
	}
	return sub, nil
}

func (p *Processor) publishProgress(parent *jobs.ParentJob) {
	p.sink.Publish(parent.ID, &stream.ProgressEvent{
		Type:            stream.TypeProgress,
		ParentJobID:     parent.ID,
		UploadedChunks:  parent.UploadedChunks,
		CompletedChunks: parent.CompletedChunks,
		FailedChunks:    parent.FailedChunks,
		Progress:        parent.ProcessingProgress(),
	})
}

// Retry resets a failed or uploaded sub-job back to uploaded and clears its
// retry bookkeeping. The caller re-enqueues processing.
func (p *Processor) Retry(ctx context.Context, subJobID string) (*jobs.SubJob, error) {
	sub, err := p.jobs.GetSubJob(ctx, subJobID)
	if err != nil {
		return nil, err
	}
	if sub.Status != jobs.SubJobFailed && sub.Status != jobs.SubJobUploaded {
		return nil, errors.Newf("sub-job %s is %s; only failed or uploaded sub-jobs can be retried", subJobID, sub.Status).
			Component("processor").
			Category(errors.CategoryJobState).
			JobContext(sub.ParentID, sub.ChunkIndex).
			Build()
	}
	return p.jobs.UpdateSubJob(ctx, subJobID, func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobUploaded
		sj.RetryCount = 0
		sj.FinalRetryCount = 0
		sj.ErrorMessage = ""
		sj.ErrorCategory = ""
		sj.LastFailedAt = nil
		sj.ProcessingStartedAt = nil
	})
}
