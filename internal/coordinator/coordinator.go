// Package coordinator drives the chunked-upload lifecycle: initialize the
// parent/sub-job plan, accept chunk uploads, dispatch processing, cancel,
// and report diagnostic status.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audioscribe/audioscribe/internal/chunker"
	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
	"github.com/audioscribe/audioscribe/internal/observability"
	"github.com/audioscribe/audioscribe/internal/processor"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/store"
	"github.com/audioscribe/audioscribe/internal/stream"
)

// sizeTolerance is the accepted deviation between declared and uploaded
// chunk size.
const sizeTolerance = 0.10

// subJobResolveDelays paces the parent-readback retries that tolerate
// eventual consistency between sub-job creation and linkage.
var subJobResolveDelays = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

// ChunkProcessor runs and retries sub-jobs. Implemented by
// processor.Processor.
type ChunkProcessor interface {
	Process(ctx context.Context, subJobID string, opts processor.Options) (*jobs.SubJob, error)
	Retry(ctx context.Context, subJobID string) (*jobs.SubJob, error)
}

// Config wires the coordinator's collaborators.
type Config struct {
	Jobs      *jobs.Store
	Blob      store.Blob
	Bucket    string
	Hub       *stream.Hub
	Limiter   *ratelimit.Limiter
	Processor ChunkProcessor
	Metrics   *observability.Metrics
	Upload    conf.UploadSettings
}

// Coordinator implements the upload lifecycle operations.
type Coordinator struct {
	jobs      *jobs.Store
	blob      store.Blob
	presigner store.Presigner // nil when the backend cannot presign
	bucket    string
	hub       *stream.Hub
	limiter   *ratelimit.Limiter
	processor ChunkProcessor
	metrics   *observability.Metrics
	upload    conf.UploadSettings
	logger    *slog.Logger

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Coordinator. Presigned uploads are offered when the blob
// backend supports them.
func New(cfg Config) *Coordinator {
	presigner, _ := cfg.Blob.(store.Presigner)
	return &Coordinator{
		jobs:      cfg.Jobs,
		blob:      cfg.Blob,
		presigner: presigner,
		bucket:    cfg.Bucket,
		hub:       cfg.Hub,
		limiter:   cfg.Limiter,
		processor: cfg.Processor,
		metrics:   cfg.Metrics,
		upload:    cfg.Upload,
		logger:    logging.ForService("coordinator"),
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

// Wait blocks until all dispatched processing tasks finish. Used at
// shutdown and in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// InitializeRequest carries the upload plan parameters.
type InitializeRequest struct {
	Filename    string
	TotalSize   int64
	ChunkSizeMB int
	UseLLM      bool
	LLMMode     string
	WebhookURL  string
}

// ChunkHandle is one chunk's upload handle returned to the client.
type ChunkHandle struct {
	SubJobID   string `json:"sub_job_id"`
	ChunkIndex int    `json:"chunk_index"`
	ByteStart  int64  `json:"byte_start"`
	ByteEnd    int64  `json:"byte_end"`
	Size       int64  `json:"size"`
	ObjectKey  string `json:"object_key"`
	UploadURL  string `json:"upload_url,omitempty"`
}

// InitializeResult is the created plan.
type InitializeResult struct {
	Parent *jobs.ParentJob
	Chunks []ChunkHandle
}

// Initialize validates the request, creates the parent and all sub-jobs,
// and links them with a single atomic parent write.
func (c *Coordinator) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResult, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, errors.ValidationError("filename is required")
	}
	if req.TotalSize <= 0 {
		return nil, errors.ValidationError("total_size must be positive")
	}
	chunkSizeMB := req.ChunkSizeMB
	if chunkSizeMB == 0 {
		chunkSizeMB = c.upload.ChunkSizeMB
	}
	if chunkSizeMB < conf.MinChunkSizeMB || chunkSizeMB > conf.MaxChunkSizeMB {
		return nil, errors.ValidationError("chunk_size_mb must be between %d and %d", conf.MinChunkSizeMB, conf.MaxChunkSizeMB)
	}
	if req.TotalSize < c.upload.MinFileSize {
		return nil, errors.ValidationError("File too small for chunked upload")
	}
	if req.TotalSize > c.upload.MaxFileSize {
		return nil, errors.ValidationError("file exceeds the %d byte upload limit", c.upload.MaxFileSize)
	}
	llmMode := req.LLMMode
	if req.UseLLM && llmMode == "" {
		llmMode = c.upload.LLMMode
	}
	if llmMode != "" && llmMode != jobs.LLMModePerChunk && llmMode != jobs.LLMModePost {
		return nil, errors.ValidationError("llm_mode must be %q or %q", jobs.LLMModePerChunk, jobs.LLMModePost)
	}

	var result *InitializeResult
	err := c.limiter.Do(ctx, ratelimit.ClassJobSpawn, func(ctx context.Context) error {
		r, planErr := c.createPlan(ctx, req, chunkSizeMB, llmMode)
		if planErr != nil {
			return planErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// createPlan creates the parent, all sub-jobs, and the atomic linkage. Runs
// under the job_spawn gate.
func (c *Coordinator) createPlan(ctx context.Context, req *InitializeRequest, chunkSizeMB int, llmMode string) (*InitializeResult, error) {
	chunkSize := int64(chunkSizeMB) * 1024 * 1024
	totalChunks := int((req.TotalSize + chunkSize - 1) / chunkSize)
	extension := chunker.Extension(req.Filename)

	parent := &jobs.ParentJob{
		ID:             uuid.NewString(),
		Filename:       req.Filename,
		TotalSize:      req.TotalSize,
		ChunkSizeBytes: chunkSize,
		TotalChunks:    totalChunks,
		Status:         jobs.ParentInitialized,
		UseLLM:         req.UseLLM,
		LLMMode:        llmMode,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      time.Now(),
	}
	if err := c.jobs.CreateParent(ctx, parent); err != nil {
		return nil, err
	}

	chunks := make([]ChunkHandle, 0, totalChunks)
	ids := make([]string, 0, totalChunks)
	for i := range totalChunks {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, req.TotalSize)
		sub := &jobs.SubJob{
			ID:         uuid.NewString(),
			ParentID:   parent.ID,
			ChunkIndex: i,
			ByteStart:  start,
			ByteEnd:    end,
			Status:     jobs.SubJobPending,
			ObjectKey:  chunkObjectKey(parent.ID, i, extension),
			Size:       end - start,
			CreatedAt:  time.Now(),
		}
		if err := c.jobs.CreateSubJob(ctx, sub); err != nil {
			return nil, err
		}
		ids = append(ids, sub.ID)

		handle := ChunkHandle{
			SubJobID:   sub.ID,
			ChunkIndex: i,
			ByteStart:  start,
			ByteEnd:    end,
			Size:       end - start,
			ObjectKey:  sub.ObjectKey,
		}
		if c.presigner != nil {
			url, err := c.presigner.PresignPut(ctx, c.bucket, sub.ObjectKey, time.Duration(c.upload.PresignExpiry)*time.Second)
			if err != nil {
				c.logger.Warn("presigning upload URL failed, falling back to direct upload",
					"parent_job_id", parent.ID, "chunk_index", i, "error", err.Error())
			} else {
				handle.UploadURL = url
			}
		}
		chunks = append(chunks, handle)
	}

	// Single put carrying the fully populated id list.
	parent.SubJobIDs = ids
	if err := c.jobs.PutParent(ctx, parent); err != nil {
		return nil, err
	}

	c.hub.Open(parent.ID)
	if c.metrics != nil {
		c.metrics.ActiveJobs.Inc()
	}
	c.logger.Info("upload initialized",
		"parent_job_id", parent.ID,
		"filename", parent.Filename,
		"total_size", parent.TotalSize,
		"total_chunks", totalChunks,
		"chunk_size_mb", chunkSizeMB,
		"use_llm", parent.UseLLM)
	return &InitializeResult{Parent: parent, Chunks: chunks}, nil
}

func chunkObjectKey(parentID string, index int, extension string) string {
	return fmt.Sprintf("uploads/%s/chunk.%d.%s", parentID, index, extension)
}

// resolveSubJob finds the sub-job for a chunk index, retrying the parent
// readback a few times in case the linkage write has not landed yet.
func (c *Coordinator) resolveSubJob(ctx context.Context, parentID string, chunkIndex int) (*jobs.SubJob, *jobs.ParentJob, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		parent, err := c.jobs.GetParent(ctx, parentID)
		if err != nil {
			return nil, nil, err
		}
		if chunkIndex >= 0 && chunkIndex < len(parent.SubJobIDs) && parent.SubJobIDs[chunkIndex] != "" {
			sub, err := c.jobs.GetSubJob(ctx, parent.SubJobIDs[chunkIndex])
			if err == nil {
				return sub, parent, nil
			}
			lastErr = err
		} else {
			lastErr = errors.Newf("chunk %d is not linked on parent %s", chunkIndex, parentID).
				Component("coordinator").
				Category(errors.CategoryNotFound).
				Build()
		}
		if attempt >= len(subJobResolveDelays) {
			return nil, nil, lastErr
		}
		if err := c.sleep(ctx, subJobResolveDelays[attempt]); err != nil {
			return nil, nil, lastErr
		}
	}
}

// AcceptChunkUpload stores an uploaded chunk, marks it uploaded, and
// dispatches processing.
func (c *Coordinator) AcceptChunkUpload(ctx context.Context, parentID string, chunkIndex int, data []byte) (*jobs.SubJob, error) {
	sub, parent, err := c.resolveSubJob(ctx, parentID, chunkIndex)
	if err != nil {
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, errors.Newf("parent job %s is %s, uploads are closed", parentID, parent.Status).
			Component("coordinator").
			Category(errors.CategoryJobState).
			Build()
	}
	if err := uploadableGate(parentID, sub); err != nil {
		return nil, err
	}

	declared := sub.ByteLength()
	if deviation := float64(int64(len(data)) - declared); deviation > float64(declared)*sizeTolerance ||
		-deviation > float64(declared)*sizeTolerance {
		return nil, errors.ValidationError("chunk %d size %d deviates more than %.0f%% from declared %d",
			chunkIndex, len(data), sizeTolerance*100, declared)
	}

	if err := c.blob.Put(ctx, c.bucket, sub.ObjectKey, data, "application/octet-stream"); err != nil {
		return nil, errors.New(err).
			Component("coordinator").
			Category(errors.CategoryObjectIO).
			JobContext(parentID, chunkIndex).
			Build()
	}

	return c.markUploadedAndDispatch(ctx, parent, sub, int64(len(data)))
}

// ConfirmUpload finishes a presigned upload: verifies the object landed and
// triggers the same transitions as a direct upload.
func (c *Coordinator) ConfirmUpload(ctx context.Context, parentID string, chunkIndex int, declaredSize int64) (*jobs.SubJob, error) {
	sub, parent, err := c.resolveSubJob(ctx, parentID, chunkIndex)
	if err != nil {
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, errors.Newf("parent job %s is %s, uploads are closed", parentID, parent.Status).
			Component("coordinator").
			Category(errors.CategoryJobState).
			Build()
	}
	if err := uploadableGate(parentID, sub); err != nil {
		return nil, err
	}

	info, err := c.blob.Head(ctx, c.bucket, sub.ObjectKey)
	if err != nil {
		return nil, errors.Newf("chunk %d object not found in storage: %v", chunkIndex, err).
			Component("coordinator").
			Category(errors.CategoryObjectIO).
			JobContext(parentID, chunkIndex).
			Build()
	}
	if declaredSize > 0 && info.Size != declaredSize {
		c.logger.Warn("confirmed size differs from declared",
			"parent_job_id", parentID,
			"chunk_index", chunkIndex,
			"declared", declaredSize,
			"stored", info.Size)
	}
	return c.markUploadedAndDispatch(ctx, parent, sub, info.Size)
}

// uploadableGate admits uploads only for chunks that have no processing
// task attached: pending, or failed after processing concluded. Re-uploading
// an already-uploaded chunk would dispatch a second worker onto the same
// sub-job; clients recover through the retry endpoint instead.
func uploadableGate(parentID string, sub *jobs.SubJob) error {
	if sub.Status == jobs.SubJobPending || sub.Status == jobs.SubJobFailed {
		return nil
	}
	return errors.Newf("chunk %d already %s", sub.ChunkIndex, sub.Status).
		Component("coordinator").
		Category(errors.CategoryJobState).
		JobContext(parentID, sub.ChunkIndex).
		Build()
}

func (c *Coordinator) markUploadedAndDispatch(ctx context.Context, parent *jobs.ParentJob, sub *jobs.SubJob, actualSize int64) (*jobs.SubJob, error) {
	now := time.Now()
	sub, err := c.jobs.UpdateSubJob(ctx, sub.ID, func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobUploaded
		sj.ActualSize = actualSize
		sj.UploadedAt = &now
		sj.ErrorMessage = ""
		sj.ErrorCategory = ""
		sj.LastFailedAt = nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.jobs.MarkChunkUploaded(ctx, parent.ID, sub.ChunkIndex); err != nil {
		return nil, err
	}

	c.dispatch(sub.ID, processor.Options{
		UseLLM:  parent.UseLLM,
		LLMMode: parent.LLMMode,
	})
	return sub, nil
}

// dispatch hands the sub-job to the processor under the chunk_processing
// gate, in the background.
func (c *Coordinator) dispatch(subJobID string, opts processor.Options) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := context.Background()
		err := c.limiter.Do(ctx, ratelimit.ClassChunkProcessing, func(ctx context.Context) error {
			_, procErr := c.processor.Process(ctx, subJobID, opts)
			return procErr
		})
		if err != nil {
			c.logger.Error("chunk processing dispatch failed", "sub_job_id", subJobID, "error", err.Error())
		}
	}()
}

// Cancel deletes every sub-job's object and record, then marks the parent
// cancelled. Cancelling an already-cancelled parent is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, parentID, reason string) (*jobs.ParentJob, error) {
	parent, err := c.jobs.GetParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == jobs.ParentCancelled {
		return parent, nil
	}

	subs, err := c.jobs.SubJobs(ctx, parent)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := c.blob.Delete(ctx, c.bucket, sub.ObjectKey); err != nil {
			c.logger.Warn("failed to delete chunk object",
				"parent_job_id", parentID, "object_key", sub.ObjectKey, "error", err.Error())
		}
		if err := c.jobs.DeleteSubJob(ctx, sub.ID); err != nil {
			c.logger.Warn("failed to delete sub-job record",
				"parent_job_id", parentID, "sub_job_id", sub.ID, "error", err.Error())
		}
	}

	now := time.Now()
	parent, err = c.jobs.UpdateParent(ctx, parentID, func(p *jobs.ParentJob) {
		p.Status = jobs.ParentCancelled
		p.CancelledAt = &now
	})
	if err != nil {
		return nil, err
	}

	c.hub.CloseStream(parentID)
	if c.metrics != nil {
		c.metrics.ActiveJobs.Dec()
	}
	c.logger.Info("upload cancelled", "parent_job_id", parentID, "reason", reason)
	return parent, nil
}
