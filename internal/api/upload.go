package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/audioscribe/audioscribe/internal/coordinator"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/jobs"
)

// initializeRequest is the POST /chunked-upload-stream body.
type initializeRequest struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"total_size"`
	ChunkSizeMB int    `json:"chunk_size_mb"`
	UseLLM      bool   `json:"use_llm"`
	LLMMode     string `json:"llm_mode"`
	WebhookURL  string `json:"webhook_url"`
}

type chunkInfo struct {
	TotalChunks          int   `json:"total_chunks"`
	ChunkSizeBytes       int64 `json:"chunk_size_bytes"`
	TotalSize            int64 `json:"total_size"`
	MaxConcurrentUploads int   `json:"max_concurrent_uploads"`
}

type processingOptions struct {
	UseLLM  bool   `json:"use_llm"`
	LLMMode string `json:"llm_mode,omitempty"`
}

type initializeResponse struct {
	ParentJobID       string                    `json:"parent_job_id"`
	StreamURL         string                    `json:"stream_url"`
	UploadURLs        []string                  `json:"upload_urls"`
	SubJobs           []coordinator.ChunkHandle `json:"sub_jobs"`
	ChunkInfo         chunkInfo                 `json:"chunk_info"`
	ProcessingOptions processingOptions         `json:"processing_options"`
}

// InitializeUpload creates the parent/sub-job plan.
// API: POST /chunked-upload-stream
func (c *Controller) InitializeUpload(ctx echo.Context) error {
	var req initializeRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}

	result, err := c.Coordinator.Initialize(ctx.Request().Context(), &coordinator.InitializeRequest{
		Filename:    req.Filename,
		TotalSize:   req.TotalSize,
		ChunkSizeMB: req.ChunkSizeMB,
		UseLLM:      req.UseLLM,
		LLMMode:     req.LLMMode,
		WebhookURL:  req.WebhookURL,
	})
	if err != nil {
		return c.HandleError(ctx, err, "failed to initialize chunked upload", 0)
	}

	uploadURLs := make([]string, len(result.Chunks))
	for i, chunk := range result.Chunks {
		if chunk.UploadURL != "" {
			uploadURLs[i] = chunk.UploadURL
		} else {
			uploadURLs[i] = "/chunk-upload"
		}
	}

	parent := result.Parent
	return ctx.JSON(http.StatusCreated, initializeResponse{
		ParentJobID: parent.ID,
		StreamURL:   "/chunked-stream/" + parent.ID,
		UploadURLs:  uploadURLs,
		SubJobs:     result.Chunks,
		ChunkInfo: chunkInfo{
			TotalChunks:          parent.TotalChunks,
			ChunkSizeBytes:       parent.ChunkSizeBytes,
			TotalSize:            parent.TotalSize,
			MaxConcurrentUploads: c.Settings.Upload.MaxConcurrent,
		},
		ProcessingOptions: processingOptions{
			UseLLM:  parent.UseLLM,
			LLMMode: parent.LLMMode,
		},
	})
}

type uploadChunkResponse struct {
	SubJobID   string `json:"sub_job_id"`
	ChunkIndex int    `json:"chunk_index"`
	Status     string `json:"status"`
	ActualSize int64  `json:"actual_size"`
}

// UploadChunk accepts one chunk as multipart form data and triggers
// processing.
// API: POST /chunk-upload
func (c *Controller) UploadChunk(ctx echo.Context) error {
	parentID := ctx.FormValue("parent_job_id")
	if parentID == "" {
		return c.HandleError(ctx, errors.ValidationError("parent_job_id is required"), "missing form field", http.StatusBadRequest)
	}
	chunkIndex, err := strconv.Atoi(ctx.FormValue("chunk_index"))
	if err != nil {
		return c.HandleError(ctx, errors.ValidationError("chunk_index must be an integer"), "invalid form field", http.StatusBadRequest)
	}

	fileHeader, err := ctx.FormFile("chunk")
	if err != nil {
		return c.HandleError(ctx, errors.ValidationError("chunk file part is required"), "missing chunk payload", http.StatusBadRequest)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return c.HandleError(ctx, err, "failed to open chunk payload", http.StatusBadRequest)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return c.HandleError(ctx, err, "failed to read chunk payload", http.StatusBadRequest)
	}

	if declared := ctx.FormValue("expected_size"); declared != "" {
		if expected, convErr := strconv.ParseInt(declared, 10, 64); convErr == nil && expected != int64(len(data)) {
			c.logger.Warn("expected_size differs from received payload",
				"parent_job_id", parentID,
				"chunk_index", chunkIndex,
				"expected", expected,
				"received", len(data))
		}
	}

	sub, err := c.Coordinator.AcceptChunkUpload(ctx.Request().Context(), parentID, chunkIndex, data)
	if err != nil {
		return c.HandleError(ctx, err, "failed to accept chunk upload", 0)
	}
	return ctx.JSON(http.StatusOK, uploadChunkResponse{
		SubJobID:   sub.ID,
		ChunkIndex: sub.ChunkIndex,
		Status:     string(sub.Status),
		ActualSize: sub.ActualSize,
	})
}

// completeChunkRequest is the POST /chunk-upload-complete body, used after
// a presigned direct-to-storage upload.
type completeChunkRequest struct {
	ParentJobID string `json:"parent_job_id"`
	ChunkIndex  int    `json:"chunk_index"`
	ActualSize  int64  `json:"actual_size"`
}

// CompleteChunkUpload confirms a presigned upload and triggers processing.
// API: POST /chunk-upload-complete
func (c *Controller) CompleteChunkUpload(ctx echo.Context) error {
	var req completeChunkRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	if req.ParentJobID == "" {
		return c.HandleError(ctx, errors.ValidationError("parent_job_id is required"), "missing field", http.StatusBadRequest)
	}

	sub, err := c.Coordinator.ConfirmUpload(ctx.Request().Context(), req.ParentJobID, req.ChunkIndex, req.ActualSize)
	if err != nil {
		return c.HandleError(ctx, err, "failed to confirm chunk upload", 0)
	}
	return ctx.JSON(http.StatusOK, uploadChunkResponse{
		SubJobID:   sub.ID,
		ChunkIndex: sub.ChunkIndex,
		Status:     string(sub.Status),
		ActualSize: sub.ActualSize,
	})
}

// UploadStatus returns the full diagnostic state for a parent job.
// API: GET /chunked-upload-status?parent_job_id=…
func (c *Controller) UploadStatus(ctx echo.Context) error {
	parentID := ctx.QueryParam("parent_job_id")
	if parentID == "" {
		return c.HandleError(ctx, errors.ValidationError("parent_job_id query parameter is required"), "missing parameter", http.StatusBadRequest)
	}
	report, err := c.Coordinator.Status(ctx.Request().Context(), parentID)
	if err != nil {
		return c.HandleError(ctx, err, "failed to build status report", 0)
	}
	return ctx.JSON(http.StatusOK, report)
}

type cancelRequest struct {
	ParentJobID string `json:"parent_job_id"`
	Reason      string `json:"reason"`
}

// CancelUpload cancels a parent job and cascades cleanup.
// API: POST /chunked-upload-cancel
func (c *Controller) CancelUpload(ctx echo.Context) error {
	var req cancelRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	if req.ParentJobID == "" {
		return c.HandleError(ctx, errors.ValidationError("parent_job_id is required"), "missing field", http.StatusBadRequest)
	}

	parent, err := c.Coordinator.Cancel(ctx.Request().Context(), req.ParentJobID, req.Reason)
	if err != nil {
		return c.HandleError(ctx, err, "failed to cancel upload", 0)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"parent_job_id": parent.ID,
		"status":        string(jobs.ParentCancelled),
		"cancelled_at":  parent.CancelledAt,
	})
}

type retryRequest struct {
	ParentJobID string `json:"parent_job_id"`
	ChunkIndex  int    `json:"chunk_index"`
	RetryType   string `json:"retry_type"`
}

// RetryChunk retries one chunk, re-uploading or re-processing as needed.
// API: POST /chunked-upload-retry
func (c *Controller) RetryChunk(ctx echo.Context) error {
	var req retryRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	if req.ParentJobID == "" {
		return c.HandleError(ctx, errors.ValidationError("parent_job_id is required"), "missing field", http.StatusBadRequest)
	}

	result, err := c.Coordinator.RetryChunk(ctx.Request().Context(), req.ParentJobID, req.ChunkIndex, req.RetryType)
	if err != nil {
		return c.HandleError(ctx, err, "failed to retry chunk", 0)
	}
	return ctx.JSON(http.StatusOK, result)
}
