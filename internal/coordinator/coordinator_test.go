package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/processor"
	"github.com/audioscribe/audioscribe/internal/ratelimit"
	"github.com/audioscribe/audioscribe/internal/store"
	"github.com/audioscribe/audioscribe/internal/stream"
)

const mib = 1024 * 1024

type stubProcessor struct {
	mu        sync.Mutex
	processed []string
	retried   []string
	retryErr  error
}

func (s *stubProcessor) Process(_ context.Context, subJobID string, _ processor.Options) (*jobs.SubJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, subJobID)
	return &jobs.SubJob{ID: subJobID, Status: jobs.SubJobDone}, nil
}

func (s *stubProcessor) Retry(_ context.Context, subJobID string) (*jobs.SubJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	s.retried = append(s.retried, subJobID)
	return &jobs.SubJob{ID: subJobID, Status: jobs.SubJobUploaded}, nil
}

func (s *stubProcessor) processedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.processed...)
}

type coordEnv struct {
	jobs  *jobs.Store
	blob  *store.MemoryBlob
	hub   *stream.Hub
	proc  *stubProcessor
	coord *Coordinator
}

func newCoordEnv(t *testing.T) *coordEnv {
	t.Helper()
	env := &coordEnv{
		jobs: jobs.NewStore(store.NewMemoryKV(), time.Hour, time.Hour),
		blob: store.NewMemoryBlob(),
		hub:  stream.NewHub(),
		proc: &stubProcessor{},
	}
	env.coord = New(Config{
		Jobs:      env.jobs,
		Blob:      env.blob,
		Bucket:    "chunks",
		Hub:       env.hub,
		Limiter:   ratelimit.New(ratelimit.Config{Transcription: 4, LLM: 2, JobSpawn: 8, ChunkProcessing: 4}),
		Processor: env.proc,
		Upload: conf.UploadSettings{
			ChunkSizeMB:   1,
			MinFileSize:   1,
			MaxFileSize:   conf.MaxUploadFileSize,
			PresignExpiry: 3600,
			LLMMode:       jobs.LLMModePerChunk,
		},
	})
	env.coord.sleep = func(context.Context, time.Duration) error { return nil }
	return env
}

func (e *coordEnv) initialize(t *testing.T, totalSize int64) *InitializeResult {
	t.Helper()
	result, err := e.coord.Initialize(context.Background(), &InitializeRequest{
		Filename:  "recording.mp3",
		TotalSize: totalSize,
	})
	require.NoError(t, err)
	return result
}

func TestInitializePlan(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)

	parent := result.Parent
	assert.Equal(t, jobs.ParentInitialized, parent.Status)
	assert.Equal(t, 3, parent.TotalChunks)
	require.Len(t, parent.SubJobIDs, 3)
	require.Len(t, result.Chunks, 3)

	// chunks tile [0, total_size) exactly
	var offset int64
	for i, chunk := range result.Chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, offset, chunk.ByteStart)
		offset = chunk.ByteEnd
		assert.Equal(t, parent.SubJobIDs[i], chunk.SubJobID)
	}
	assert.Equal(t, parent.TotalSize, offset)
	assert.Equal(t, int64(mib), result.Chunks[0].Size)
	assert.Equal(t, int64(mib/2), result.Chunks[2].Size)

	// sub-jobs exist and are linked in order
	subs, err := env.jobs.SubJobs(context.Background(), parent)
	require.NoError(t, err)
	for i, sub := range subs {
		require.NotNil(t, sub)
		assert.Equal(t, jobs.SubJobPending, sub.Status)
		assert.Equal(t, i, sub.ChunkIndex)
	}

	_, ok := env.hub.Subscribe(parent.ID)
	assert.True(t, ok, "stream channel opens at initialize")
}

func TestInitializeValidation(t *testing.T) {
	env := newCoordEnv(t)
	env.coord.upload.MinFileSize = 5 * mib
	ctx := context.Background()

	cases := []struct {
		name    string
		req     InitializeRequest
		wantMsg string
	}{
		{"empty filename", InitializeRequest{TotalSize: 10 * mib}, "filename"},
		{"zero size", InitializeRequest{Filename: "a.mp3"}, "total_size"},
		{"too small", InitializeRequest{Filename: "a.mp3", TotalSize: 4 * mib}, "File too small for chunked upload"},
		{"too large", InitializeRequest{Filename: "a.mp3", TotalSize: conf.MaxUploadFileSize + 1}, "upload limit"},
		{"chunk size out of range", InitializeRequest{Filename: "a.mp3", TotalSize: 10 * mib, ChunkSizeMB: 101}, "chunk_size_mb"},
		{"bad llm mode", InitializeRequest{Filename: "a.mp3", TotalSize: 10 * mib, UseLLM: true, LLMMode: "sideways"}, "llm_mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.coord.Initialize(ctx, &tc.req)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestAcceptChunkUploadDispatchesProcessing(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	data := make([]byte, mib)
	sub, err := env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, data)
	require.NoError(t, err)
	env.coord.Wait()

	assert.Equal(t, jobs.SubJobUploaded, sub.Status)
	assert.Equal(t, int64(mib), sub.ActualSize)
	require.NotNil(t, sub.UploadedAt)

	info, err := env.blob.Head(ctx, "chunks", sub.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, int64(mib), info.Size)

	parent, err := env.jobs.GetParent(ctx, result.Parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.UploadedChunks)
	assert.Equal(t, jobs.ParentUploading, parent.Status)
	assert.NotNil(t, parent.ProcessingStartedAt)

	assert.Equal(t, []string{sub.ID}, env.proc.processedIDs())
}

func TestAcceptChunkUploadSizeTolerance(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	// 5% under the declared size is accepted
	_, err := env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib-mib/20))
	require.NoError(t, err)
	env.coord.Wait()

	// 50% under is rejected
	_, err = env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 1, make([]byte, mib/2))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestInitializeWaitsOnJobSpawnGate(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Transcription: 4, LLM: 2, JobSpawn: 1, ChunkProcessing: 4})
	env := &coordEnv{
		jobs: jobs.NewStore(store.NewMemoryKV(), time.Hour, time.Hour),
		blob: store.NewMemoryBlob(),
		hub:  stream.NewHub(),
		proc: &stubProcessor{},
	}
	env.coord = New(Config{
		Jobs:      env.jobs,
		Blob:      env.blob,
		Bucket:    "chunks",
		Hub:       env.hub,
		Limiter:   limiter,
		Processor: env.proc,
		Upload: conf.UploadSettings{
			ChunkSizeMB:   1,
			MinFileSize:   1,
			MaxFileSize:   conf.MaxUploadFileSize,
			PresignExpiry: 3600,
			LLMMode:       jobs.LLMModePerChunk,
		},
	})
	env.coord.sleep = func(context.Context, time.Duration) error { return nil }

	// occupy the single job_spawn slot
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = limiter.Do(context.Background(), ratelimit.ClassJobSpawn, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := env.coord.Initialize(ctx, &InitializeRequest{Filename: "recording.mp3", TotalSize: 2 * mib})
	require.Error(t, err, "initialize must queue behind the job_spawn gate")
	assert.True(t, errors.IsCategory(err, errors.CategoryJobState))

	close(release)
	result, err := env.coord.Initialize(context.Background(), &InitializeRequest{Filename: "recording.mp3", TotalSize: 2 * mib})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Parent.TotalChunks)
}

func TestAcceptChunkUploadRejectsReupload(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib))
	require.NoError(t, err)
	env.coord.Wait()

	// a second upload of the same chunk must not dispatch a second worker
	_, err = env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryJobState))
	assert.Len(t, env.proc.processedIDs(), 1)
}

func TestAcceptChunkUploadAllowsFailedChunk(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.jobs.UpdateSubJob(ctx, result.Parent.SubJobIDs[0], func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobFailed
		sj.ErrorMessage = "boom"
		sj.ErrorCategory = "server-error"
	})
	require.NoError(t, err)

	sub, err := env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib))
	require.NoError(t, err)
	env.coord.Wait()

	assert.Equal(t, jobs.SubJobUploaded, sub.Status)
	assert.Empty(t, sub.ErrorMessage)
	assert.Empty(t, sub.ErrorCategory)
	assert.Len(t, env.proc.processedIDs(), 1)
}

func TestConfirmUploadRejectsReupload(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	key := result.Chunks[0].ObjectKey
	require.NoError(t, env.blob.Put(ctx, "chunks", key, make([]byte, mib), "application/octet-stream"))

	_, err := env.coord.ConfirmUpload(ctx, result.Parent.ID, 0, mib)
	require.NoError(t, err)
	env.coord.Wait()

	_, err = env.coord.ConfirmUpload(ctx, result.Parent.ID, 0, mib)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryJobState))
	assert.Len(t, env.proc.processedIDs(), 1)
}

func TestAcceptChunkUploadAfterProcessingRejected(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.jobs.UpdateSubJob(ctx, result.Parent.SubJobIDs[0], func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobProcessing
	})
	require.NoError(t, err)

	_, err = env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryJobState))
}

func TestConfirmUploadPresignedPath(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	// client uploaded straight to storage
	key := result.Chunks[2].ObjectKey
	require.NoError(t, env.blob.Put(ctx, "chunks", key, make([]byte, mib/2), "application/octet-stream"))

	sub, err := env.coord.ConfirmUpload(ctx, result.Parent.ID, 2, mib/2)
	require.NoError(t, err)
	env.coord.Wait()

	assert.Equal(t, jobs.SubJobUploaded, sub.Status)
	assert.Equal(t, int64(mib/2), sub.ActualSize)
	assert.Equal(t, []string{sub.ID}, env.proc.processedIDs())
}

func TestConfirmUploadMissingObject(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)

	_, err := env.coord.ConfirmUpload(context.Background(), result.Parent.ID, 0, mib)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryObjectIO))
}

func TestCancelCascades(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib))
	require.NoError(t, err)
	env.coord.Wait()

	parent, err := env.coord.Cancel(ctx, result.Parent.ID, "user requested")
	require.NoError(t, err)
	assert.Equal(t, jobs.ParentCancelled, parent.Status)
	require.NotNil(t, parent.CancelledAt)

	// sub-job records and objects are gone
	for _, id := range result.Parent.SubJobIDs {
		_, err := env.jobs.GetSubJob(ctx, id)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	}
	assert.Zero(t, env.blob.Len())

	_, ok := env.hub.Subscribe(result.Parent.ID)
	assert.False(t, ok, "stream closes on cancel")

	// re-cancel is a no-op
	again, err := env.coord.Cancel(ctx, result.Parent.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, jobs.ParentCancelled, again.Status)
}

func TestUploadToCancelledParentRejected(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.coord.Cancel(ctx, result.Parent.ID, "stop")
	require.NoError(t, err)

	_, err = env.coord.AcceptChunkUpload(ctx, result.Parent.ID, 0, make([]byte, mib))
	require.Error(t, err)
}

func TestStatusReport(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.jobs.UpdateSubJob(ctx, result.Parent.SubJobIDs[0], func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobDone
		sj.RawText = "done text"
	})
	require.NoError(t, err)
	_, err = env.jobs.UpdateSubJob(ctx, result.Parent.SubJobIDs[1], func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobFailed
		sj.ErrorMessage = "boom"
	})
	require.NoError(t, err)

	report, err := env.coord.Status(ctx, result.Parent.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counters.Done)
	assert.Equal(t, 1, report.Counters.Failed)
	assert.Equal(t, 1, report.Counters.Pending)
	assert.True(t, report.Health.SubJobsLinked)
	assert.Zero(t, report.Health.MissingChunks)
	// incremented hints were never bumped, so they disagree with the recount
	assert.False(t, report.Health.CountersConsistent)

	require.Len(t, report.Chunks, 3)
	assert.Empty(t, report.Chunks[0].Recommendation)
	assert.Equal(t, RecommendProcessing, report.Chunks[1].Recommendation)
	assert.Equal(t, "boom", report.Chunks[1].Error)
	assert.Equal(t, RecommendUpload, report.Chunks[2].Recommendation)
}

func TestStatusMissingSubJobRecord(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	require.NoError(t, env.jobs.DeleteSubJob(ctx, result.Parent.SubJobIDs[1]))

	report, err := env.coord.Status(ctx, result.Parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Health.MissingChunks)
	assert.Equal(t, "missing", report.Chunks[1].Status)
	assert.Equal(t, RecommendUpload, report.Chunks[1].Recommendation)
}

func TestRetryChunkAutoProcessing(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.jobs.UpdateSubJob(ctx, result.Parent.SubJobIDs[0], func(sj *jobs.SubJob) {
		sj.Status = jobs.SubJobFailed
	})
	require.NoError(t, err)

	retry, err := env.coord.RetryChunk(ctx, result.Parent.ID, 0, "auto")
	require.NoError(t, err)
	env.coord.Wait()

	assert.Equal(t, RecommendProcessing, retry.Action)
	assert.Equal(t, result.Parent.SubJobIDs[0], retry.SubJobID)
	assert.Equal(t, []string{retry.SubJobID}, env.proc.retried)
	assert.Equal(t, []string{retry.SubJobID}, env.proc.processedIDs())
}

func TestRetryChunkAutoUpload(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)

	retry, err := env.coord.RetryChunk(context.Background(), result.Parent.ID, 2, "auto")
	require.NoError(t, err)
	assert.Equal(t, RecommendUpload, retry.Action)
	assert.Equal(t, result.Parent.SubJobIDs[2], retry.SubJobID)
}

func TestRetryChunkUploadRecreatesMissingRecord(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	require.NoError(t, env.jobs.DeleteSubJob(ctx, result.Parent.SubJobIDs[1]))

	retry, err := env.coord.RetryChunk(ctx, result.Parent.ID, 1, "upload")
	require.NoError(t, err)
	assert.Equal(t, RecommendUpload, retry.Action)

	sub, err := env.jobs.GetSubJob(ctx, retry.SubJobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.SubJobPending, sub.Status)
	assert.Equal(t, int64(mib), sub.ByteStart)
	assert.Equal(t, int64(2*mib), sub.ByteEnd)
}

func TestRetryChunkValidation(t *testing.T) {
	env := newCoordEnv(t)
	result := env.initialize(t, 2*mib+mib/2)
	ctx := context.Background()

	_, err := env.coord.RetryChunk(ctx, result.Parent.ID, 7, "auto")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = env.coord.RetryChunk(ctx, result.Parent.ID, 0, "sideways")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
