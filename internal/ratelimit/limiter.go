// Package ratelimit bounds concurrency for the four operation classes of
// the pipeline. Each class is a FIFO-queued weighted semaphore wrapping an
// acquire/run/release cycle, with in-flight and waiting introspection for
// operational endpoints.
package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/audioscribe/audioscribe/internal/errors"
)

// Class names one bounded operation class.
type Class string

const (
	ClassTranscription   Class = "transcription"
	ClassLLM             Class = "llm"
	ClassJobSpawn        Class = "job_spawn"
	ClassChunkProcessing Class = "chunk_processing"
)

// Classes lists every limiter class in a stable order.
var Classes = []Class{ClassTranscription, ClassLLM, ClassJobSpawn, ClassChunkProcessing}

// ErrUnknownClass is returned for a class the limiter was not built with.
var ErrUnknownClass = errors.NewStd("unknown rate limiter class")

// Status is the introspection snapshot for one class.
type Status struct {
	InFlight int64 `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
}

type classLimiter struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// Limiter holds the four class semaphores.
type Limiter struct {
	classes map[Class]*classLimiter
}

// Config sizes each class. Zero or negative values fall back to 1.
type Config struct {
	Transcription   int
	LLM             int
	JobSpawn        int
	ChunkProcessing int
}

// New creates a limiter with the given per-class capacities.
func New(cfg Config) *Limiter {
	capacity := func(n int) int64 {
		if n <= 0 {
			return 1
		}
		return int64(n)
	}
	return &Limiter{
		classes: map[Class]*classLimiter{
			ClassTranscription:   {sem: semaphore.NewWeighted(capacity(cfg.Transcription))},
			ClassLLM:             {sem: semaphore.NewWeighted(capacity(cfg.LLM))},
			ClassJobSpawn:        {sem: semaphore.NewWeighted(capacity(cfg.JobSpawn))},
			ClassChunkProcessing: {sem: semaphore.NewWeighted(capacity(cfg.ChunkProcessing))},
		},
	}
}

// Do runs fn under the class's semaphore: acquire, run, release. Waiters
// are served FIFO; cancelling ctx while waiting abandons the acquisition.
// Timeouts are the caller's responsibility via ctx.
func (l *Limiter) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	cl, ok := l.classes[class]
	if !ok {
		return ErrUnknownClass
	}

	cl.waiting.Add(1)
	err := cl.sem.Acquire(ctx, 1)
	cl.waiting.Add(-1)
	if err != nil {
		return errors.New(err).
			Component("ratelimit").
			Category(errors.CategoryJobState).
			Context("class", string(class)).
			Build()
	}

	cl.inFlight.Add(1)
	defer func() {
		cl.inFlight.Add(-1)
		cl.sem.Release(1)
	}()
	return fn(ctx)
}

// StatusSnapshot returns {in_flight, waiting} per class.
func (l *Limiter) StatusSnapshot() map[Class]Status {
	snapshot := make(map[Class]Status, len(l.classes))
	for class, cl := range l.classes {
		snapshot[class] = Status{
			InFlight: cl.inFlight.Load(),
			Waiting:  cl.waiting.Load(),
		}
	}
	return snapshot
}
