package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/coordinator"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/processor"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/store"
	"github.com/audioscribe/audioscribe/internal/stream"
)

const mib = 1024 * 1024

type noopProcessor struct{}

func (noopProcessor) Process(_ context.Context, subJobID string, _ processor.Options) (*jobs.SubJob, error) {
	return &jobs.SubJob{ID: subJobID, Status: jobs.SubJobDone}, nil
}

func (noopProcessor) Retry(_ context.Context, subJobID string) (*jobs.SubJob, error) {
	return &jobs.SubJob{ID: subJobID, Status: jobs.SubJobUploaded}, nil
}

type apiEnv struct {
	echo       *echo.Echo
	controller *Controller
	hub        *stream.Hub
	coord      *coordinator.Coordinator
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	settings := &conf.Settings{}
	settings.Upload = conf.UploadSettings{
		ChunkSizeMB:   1,
		MinFileSize:   1,
		MaxFileSize:   conf.MaxUploadFileSize,
		PresignExpiry: 3600,
		LLMMode:       jobs.LLMModePerChunk,
		MaxConcurrent: 3,
	}

	hub := stream.NewHub()
	limiter := ratelimit.New(ratelimit.Config{Transcription: 4, LLM: 2, JobSpawn: 8, ChunkProcessing: 4})
	coord := coordinator.New(coordinator.Config{
		Jobs:      jobs.NewStore(store.NewMemoryKV(), time.Hour, time.Hour),
		Blob:      store.NewMemoryBlob(),
		Bucket:    "chunks",
		Hub:       hub,
		Limiter:   limiter,
		Processor: noopProcessor{},
		Upload:    settings.Upload,
	})

	e := echo.New()
	controller := New(e, settings, coord, hub, limiter, nil)
	return &apiEnv{echo: e, controller: controller, hub: hub, coord: coord}
}

func (e *apiEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.echo.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) initialize(t *testing.T, totalSize int64) initializeResponse {
	t.Helper()
	rec := e.postJSON(t, "/chunked-upload-stream", map[string]any{
		"filename":   "meeting.mp3",
		"total_size": totalSize,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp initializeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestInitializeEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.initialize(t, int64(2*mib+mib/2))

	assert.NotEmpty(t, resp.ParentJobID)
	assert.Equal(t, "/chunked-stream/"+resp.ParentJobID, resp.StreamURL)
	assert.Equal(t, 3, resp.ChunkInfo.TotalChunks)
	assert.Equal(t, int64(mib), resp.ChunkInfo.ChunkSizeBytes)
	assert.Equal(t, 3, resp.ChunkInfo.MaxConcurrentUploads)
	require.Len(t, resp.SubJobs, 3)
	require.Len(t, resp.UploadURLs, 3)
	assert.Equal(t, "/chunk-upload", resp.UploadURLs[0])
	assert.False(t, resp.ProcessingOptions.UseLLM)
}

func TestInitializeRejectsSmallFile(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.postJSON(t, "/chunked-upload-stream", map[string]any{
		"filename":   "meeting.mp3",
		"total_size": 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "total_size")
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestUploadChunkEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	plan := env.initialize(t, int64(2*mib+mib/2))

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("chunk", "chunk.0")
	require.NoError(t, err)
	chunk := make([]byte, mib)
	_, err = part.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("parent_job_id", plan.ParentJobID))
	require.NoError(t, writer.WriteField("chunk_index", "0"))
	require.NoError(t, writer.WriteField("expected_size", strconv.Itoa(len(chunk))))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/chunk-upload", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	env.coord.Wait()

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp uploadChunkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(jobs.SubJobUploaded), resp.Status)
	assert.Equal(t, int64(mib), resp.ActualSize)
	assert.Equal(t, plan.SubJobs[0].SubJobID, resp.SubJobID)
}

func TestUploadChunkMissingFields(t *testing.T) {
	env := newAPIEnv(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("chunk_index", "0"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/chunk-upload", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	plan := env.initialize(t, int64(2*mib+mib/2))

	req := httptest.NewRequest(http.MethodGet, "/chunked-upload-status?parent_job_id="+plan.ParentJobID, http.NoBody)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report coordinator.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, plan.ParentJobID, report.Parent.ID)
	assert.True(t, report.Health.SubJobsLinked)
	assert.Equal(t, 3, report.Counters.Pending)
}

func TestUploadStatusUnknownParent(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/chunked-upload-status?parent_job_id=nope", http.NoBody)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/chunked-upload-status", http.NoBody)
	rec = httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	plan := env.initialize(t, int64(2*mib+mib/2))

	rec := env.postJSON(t, "/chunked-upload-cancel", map[string]any{
		"parent_job_id": plan.ParentJobID,
		"reason":        "changed my mind",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp["status"])
}

func TestRetryEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	plan := env.initialize(t, int64(2*mib+mib/2))

	rec := env.postJSON(t, "/chunked-upload-retry", map[string]any{
		"parent_job_id": plan.ParentJobID,
		"chunk_index":   1,
		"retry_type":    "auto",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp coordinator.RetryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, coordinator.RecommendUpload, resp.Action)
}

func TestServeStreamDeliversFrames(t *testing.T) {
	env := newAPIEnv(t)
	plan := env.initialize(t, int64(2*mib+mib/2))

	env.hub.Publish(plan.ParentJobID, &stream.ChunkCompleteEvent{
		Type:        stream.TypeChunkComplete,
		ChunkIndex:  0,
		ParentJobID: plan.ParentJobID,
		Text:        "hello",
	})
	env.hub.Publish(plan.ParentJobID, &stream.FinalEvent{
		Type:            stream.TypeFinal,
		ParentJobID:     plan.ParentJobID,
		FinalTranscript: "hello",
	})
	// the handler blocks until the stream closes; close it shortly after it
	// has drained the buffered events
	go func() {
		time.Sleep(100 * time.Millisecond)
		env.hub.CloseStream(plan.ParentJobID)
	}()

	req := httptest.NewRequest(http.MethodGet, "/chunked-stream/"+plan.ParentJobID, http.NoBody)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 2)
	for _, frame := range frames {
		assert.True(t, strings.HasPrefix(frame, "data: "))
	}

	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &last))
	assert.Equal(t, stream.TypeFinal, last["type"])
}

func TestServeStreamUnknownParentClosesImmediately(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/chunked-stream/unknown", http.NoBody)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestStreamPreflight(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/chunked-stream/any", http.NoBody)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestHealthzAndLimits(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/limits", http.NoBody)
	rec = httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var limits map[string]ratelimit.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	assert.Contains(t, limits, string(ratelimit.ClassTranscription))
}
