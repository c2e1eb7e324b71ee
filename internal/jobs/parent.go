package jobs

import (
	"context"
	"time"
)

// MarkChunkUploaded records a chunk upload on the parent: bumps the
// uploaded counter, moves the status forward to uploading/processing, and
// stamps processing_started_at on the first upload.
func (s *Store) MarkChunkUploaded(ctx context.Context, parentID string, chunkIndex int) (*ParentJob, error) {
	return s.UpdateParent(ctx, parentID, func(p *ParentJob) {
		p.UploadedChunks++
		if p.ProcessingStartedAt == nil {
			now := time.Now()
			p.ProcessingStartedAt = &now
		}
		switch p.Status {
		case ParentInitialized:
			p.Status = ParentUploading
			if p.UploadedChunks >= p.TotalChunks {
				p.Status = ParentProcessing
			}
		case ParentUploading:
			if p.UploadedChunks >= p.TotalChunks {
				p.Status = ParentProcessing
			}
		}
	})
}

// MarkChunkCompleted records a successful chunk: bumps the completed
// counter and stamps first_chunk_completed_at on the first success.
func (s *Store) MarkChunkCompleted(ctx context.Context, parentID string, chunkIndex int) (*ParentJob, error) {
	return s.UpdateParent(ctx, parentID, func(p *ParentJob) {
		p.CompletedChunks++
		if p.FirstChunkCompletedAt == nil {
			now := time.Now()
			p.FirstChunkCompletedAt = &now
		}
	})
}

// MarkChunkFailed records a final (post-retry) chunk failure.
func (s *Store) MarkChunkFailed(ctx context.Context, parentID string, chunkIndex int, errMsg string) (*ParentJob, error) {
	s.logger.Warn("chunk failed",
		"parent_job_id", parentID,
		"chunk_index", chunkIndex,
		"error", errMsg)
	return s.UpdateParent(ctx, parentID, func(p *ParentJob) {
		p.FailedChunks++
	})
}

// MarkChunkSkipped records a chunk acknowledged to contain no audio.
func (s *Store) MarkChunkSkipped(ctx context.Context, parentID string, chunkIndex int) (*ParentJob, error) {
	return s.UpdateParent(ctx, parentID, func(p *ParentJob) {
		p.SkippedChunks++
	})
}

// Counters holds exact per-status counts derived from sub-job records.
type Counters struct {
	Pending    int
	Uploaded   int
	Processing int
	Done       int
	Failed     int
	Skipped    int
	Missing    int // linked ids with no readable record
}

// Settled returns the number of sub-jobs in a terminal state.
func (c *Counters) Settled() int {
	return c.Done + c.Failed + c.Skipped
}

// Recount derives exact counters by enumerating sub-jobs. The incremented
// parent counters can drift under racing updates; endpoints that need
// precision recompute through here.
func (s *Store) Recount(ctx context.Context, parent *ParentJob) (*Counters, []*SubJob, error) {
	subs, err := s.SubJobs(ctx, parent)
	if err != nil {
		return nil, nil, err
	}
	c := &Counters{}
	for _, sub := range subs {
		if sub == nil {
			c.Missing++
			continue
		}
		switch sub.Status {
		case SubJobPending:
			c.Pending++
		case SubJobUploaded:
			c.Uploaded++
		case SubJobProcessing:
			c.Processing++
		case SubJobDone:
			c.Done++
		case SubJobFailed:
			c.Failed++
		case SubJobSkipped:
			c.Skipped++
		}
	}
	return c, subs, nil
}

// DeriveTerminalStatus computes the parent's terminal state from exact
// counters: done when every chunk settled and at least one succeeded,
// failed when every chunk settled with no successes, in-flight otherwise.
func DeriveTerminalStatus(total int, c *Counters) (ParentStatus, bool) {
	if c.Settled() < total {
		return "", false
	}
	if c.Done > 0 {
		return ParentDone, true
	}
	return ParentFailed, true
}
