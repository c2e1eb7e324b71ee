package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/audioscribe/audioscribe/internal/chunker"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/processor"
)

// Retry recommendations per chunk.
const (
	RecommendUpload     = "upload"
	RecommendProcessing = "processing"
)

// ChunkStatus is the per-chunk slice of the diagnostic report.
type ChunkStatus struct {
	ChunkIndex     int    `json:"chunk_index"`
	SubJobID       string `json:"sub_job_id,omitempty"`
	Status         string `json:"status"`
	ActualSize     int64  `json:"actual_size,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
	Error          string `json:"error,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Health summarizes record integrity for the status endpoint.
type Health struct {
	SubJobsLinked      bool `json:"sub_jobs_linked"`
	MissingChunks      int  `json:"missing_chunks"`
	CountersConsistent bool `json:"counters_consistent"`
}

// StatusReport is the full diagnostic state of a parent job.
type StatusReport struct {
	Parent   *jobs.ParentJob `json:"parent"`
	Counters *jobs.Counters  `json:"counters"`
	Chunks   []ChunkStatus   `json:"chunks"`
	Health   Health          `json:"health"`
}

// Status builds the diagnostic report: exact counters from a sub-job
// enumeration, per-chunk state, and retry recommendations.
func (c *Coordinator) Status(ctx context.Context, parentID string) (*StatusReport, error) {
	parent, err := c.jobs.GetParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	counters, subs, err := c.jobs.Recount(ctx, parent)
	if err != nil {
		return nil, err
	}

	chunks := make([]ChunkStatus, parent.TotalChunks)
	for i := range chunks {
		cs := ChunkStatus{ChunkIndex: i, Status: "missing", Recommendation: RecommendUpload}
		if i < len(subs) && subs[i] != nil {
			sub := subs[i]
			cs.SubJobID = sub.ID
			cs.Status = string(sub.Status)
			cs.ActualSize = sub.ActualSize
			cs.RetryCount = sub.RetryCount
			cs.Error = sub.ErrorMessage
			switch sub.Status {
			case jobs.SubJobPending:
				cs.Recommendation = RecommendUpload
			case jobs.SubJobFailed:
				cs.Recommendation = RecommendProcessing
			default:
				cs.Recommendation = ""
			}
		}
		chunks[i] = cs
	}

	return &StatusReport{
		Parent:   parent,
		Counters: counters,
		Chunks:   chunks,
		Health: Health{
			SubJobsLinked:      len(parent.SubJobIDs) == parent.TotalChunks,
			MissingChunks:      counters.Missing,
			CountersConsistent: countersConsistent(parent, counters),
		},
	}, nil
}

// countersConsistent compares the parent's incremented hints against the
// exact recount.
func countersConsistent(parent *jobs.ParentJob, c *jobs.Counters) bool {
	return parent.CompletedChunks == c.Done &&
		parent.FailedChunks == c.Failed &&
		parent.SkippedChunks == c.Skipped
}

// RetryResult reports what a retry request resolved to.
type RetryResult struct {
	Action    string `json:"action"` // upload | processing
	SubJobID  string `json:"sub_job_id,omitempty"`
	UploadURL string `json:"upload_url,omitempty"`
}

// RetryChunk handles the manual retry endpoint. retryType "auto" picks the
// action from the chunk's state: re-upload when the bytes never landed,
// re-process when they did.
func (c *Coordinator) RetryChunk(ctx context.Context, parentID string, chunkIndex int, retryType string) (*RetryResult, error) {
	parent, err := c.jobs.GetParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == jobs.ParentCancelled {
		return nil, errors.Newf("parent job %s is cancelled", parentID).
			Component("coordinator").
			Category(errors.CategoryJobState).
			Build()
	}
	if chunkIndex < 0 || chunkIndex >= parent.TotalChunks {
		return nil, errors.ValidationError("chunk_index %d out of range [0, %d)", chunkIndex, parent.TotalChunks)
	}

	var sub *jobs.SubJob
	if chunkIndex < len(parent.SubJobIDs) && parent.SubJobIDs[chunkIndex] != "" {
		if loaded, err := c.jobs.GetSubJob(ctx, parent.SubJobIDs[chunkIndex]); err == nil {
			sub = loaded
		} else if !errors.IsNotFound(err) {
			return nil, err
		}
	}

	action := retryType
	if action == "" || action == "auto" {
		if sub == nil || sub.Status == jobs.SubJobPending {
			action = RecommendUpload
		} else {
			action = RecommendProcessing
		}
	}

	switch action {
	case RecommendUpload:
		return c.retryUpload(ctx, parent, chunkIndex, sub)
	case RecommendProcessing:
		if sub == nil {
			return nil, errors.Newf("chunk %d has no sub-job record to process", chunkIndex).
				Component("coordinator").
				Category(errors.CategoryNotFound).
				Build()
		}
		reset, err := c.processor.Retry(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		c.dispatch(reset.ID, processor.Options{UseLLM: parent.UseLLM, LLMMode: parent.LLMMode})
		return &RetryResult{Action: RecommendProcessing, SubJobID: reset.ID}, nil
	default:
		return nil, errors.ValidationError("retry_type must be upload, processing, or auto")
	}
}

// retryUpload recreates (or resets) the chunk's sub-job and hands back a
// fresh upload handle.
func (c *Coordinator) retryUpload(ctx context.Context, parent *jobs.ParentJob, chunkIndex int, sub *jobs.SubJob) (*RetryResult, error) {
	if sub == nil {
		chunkSize := parent.ChunkSizeBytes
		start := int64(chunkIndex) * chunkSize
		end := min(start+chunkSize, parent.TotalSize)
		id := ""
		if chunkIndex < len(parent.SubJobIDs) {
			id = parent.SubJobIDs[chunkIndex]
		}
		relink := id == ""
		if relink {
			id = uuid.NewString()
		}
		sub = &jobs.SubJob{
			ID:         id,
			ParentID:   parent.ID,
			ChunkIndex: chunkIndex,
			ByteStart:  start,
			ByteEnd:    end,
			Status:     jobs.SubJobPending,
			ObjectKey:  chunkObjectKey(parent.ID, chunkIndex, chunker.Extension(parent.Filename)),
			Size:       end - start,
			CreatedAt:  time.Now(),
		}
		if err := c.jobs.CreateSubJob(ctx, sub); err != nil {
			return nil, err
		}
		if relink {
			if _, err := c.jobs.UpdateParent(ctx, parent.ID, func(p *jobs.ParentJob) {
				for len(p.SubJobIDs) < p.TotalChunks {
					p.SubJobIDs = append(p.SubJobIDs, "")
				}
				p.SubJobIDs[chunkIndex] = id
			}); err != nil {
				return nil, err
			}
		}
	} else if sub.Status != jobs.SubJobPending {
		reset, err := c.jobs.UpdateSubJob(ctx, sub.ID, func(sj *jobs.SubJob) {
			sj.Status = jobs.SubJobPending
			sj.ActualSize = 0
			sj.UploadedAt = nil
			sj.ErrorMessage = ""
			sj.ErrorCategory = ""
			sj.RetryCount = 0
			sj.FinalRetryCount = 0
			sj.LastFailedAt = nil
		})
		if err != nil {
			return nil, err
		}
		sub = reset
	}

	result := &RetryResult{Action: RecommendUpload, SubJobID: sub.ID}
	if c.presigner != nil {
		url, err := c.presigner.PresignPut(ctx, c.bucket, sub.ObjectKey, time.Duration(c.upload.PresignExpiry)*time.Second)
		if err == nil {
			result.UploadURL = url
		}
	}
	return result, nil
}
