// Package jobs defines the parent/sub-job records of the chunked
// transcription pipeline and their stores over the key-value contract.
package jobs

import (
	"time"
)

// ParentStatus is the coordination state of a whole file's transcription.
type ParentStatus string

const (
	ParentInitialized ParentStatus = "initialized"
	ParentUploading   ParentStatus = "uploading"
	ParentProcessing  ParentStatus = "processing"
	ParentDone        ParentStatus = "done"
	ParentFailed      ParentStatus = "failed"
	ParentCancelled   ParentStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ParentStatus) IsTerminal() bool {
	return s == ParentDone || s == ParentFailed || s == ParentCancelled
}

// SubJobStatus is the processing state of a single chunk.
type SubJobStatus string

const (
	SubJobPending    SubJobStatus = "pending"
	SubJobUploaded   SubJobStatus = "uploaded"
	SubJobProcessing SubJobStatus = "processing"
	SubJobDone       SubJobStatus = "done"
	SubJobFailed     SubJobStatus = "failed"
	SubJobSkipped    SubJobStatus = "skipped"
)

// IsTerminal reports whether the status ends the sub-job state machine.
// failed is terminal for the processor, but a manual retry may reset it.
func (s SubJobStatus) IsTerminal() bool {
	return s == SubJobDone || s == SubJobFailed || s == SubJobSkipped
}

// LLM correction modes.
const (
	LLMModePerChunk = "per_chunk"
	LLMModePost     = "post"
)

// Segment is one timed piece of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ParentJob is the coordination record for a file's worth of sub-jobs.
type ParentJob struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	TotalSize      int64  `json:"total_size"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	TotalChunks    int    `json:"total_chunks"`

	Status ParentStatus `json:"status"`

	// SubJobIDs has length TotalChunks once the parent leaves initialized;
	// element i is the sub-job covering chunk index i. The slice is written
	// in a single atomic put after all sub-jobs exist.
	SubJobIDs []string `json:"sub_job_ids"`

	// Counters are incremented without coordination and are hints only;
	// exact values come from enumerating sub-jobs.
	UploadedChunks  int `json:"uploaded_chunks"`
	CompletedChunks int `json:"completed_chunks"`
	FailedChunks    int `json:"failed_chunks"`
	SkippedChunks   int `json:"skipped_chunks"`

	UseLLM     bool   `json:"use_llm"`
	LLMMode    string `json:"llm_mode,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	FirstChunkCompletedAt *time.Time `json:"first_chunk_completed_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`

	FinalTranscript string    `json:"final_transcript,omitempty"`
	Segments        []Segment `json:"segments,omitempty"`
}

// UploadProgress returns the uploaded fraction as a 0-100 percentage.
func (p *ParentJob) UploadProgress() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(p.UploadedChunks) / float64(p.TotalChunks) * 100
}

// ProcessingProgress returns the terminal-chunk fraction as a percentage.
func (p *ParentJob) ProcessingProgress() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	settled := p.CompletedChunks + p.FailedChunks + p.SkippedChunks
	return float64(settled) / float64(p.TotalChunks) * 100
}

// SubJob is the processing record for one chunk.
type SubJob struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id"`
	ChunkIndex int    `json:"chunk_index"`

	// Byte range [ByteStart, ByteEnd) of this chunk in the source file.
	ByteStart int64 `json:"byte_start"`
	ByteEnd   int64 `json:"byte_end"`

	Status SubJobStatus `json:"status"`

	ObjectKey  string `json:"object_key"`
	Size       int64  `json:"size"`        // declared at initialize
	ActualSize int64  `json:"actual_size"` // measured at upload

	RawText          string    `json:"raw_text,omitempty"`
	CorrectedText    string    `json:"corrected_text,omitempty"`
	Segments         []Segment `json:"segments,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms,omitempty"`
	LLMApplied       bool      `json:"llm_applied"`

	ErrorMessage    string     `json:"error_message,omitempty"`
	ErrorCategory   string     `json:"error_category,omitempty"`
	RetryCount      int        `json:"retry_count"`
	FinalRetryCount int        `json:"final_retry_count,omitempty"`
	LastFailedAt    *time.Time `json:"last_failed_at,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	UploadedAt          *time.Time `json:"uploaded_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Text returns the transcript text to use for assembly: corrected when the
// LLM pass succeeded, raw otherwise.
func (s *SubJob) Text() string {
	if s.CorrectedText != "" {
		return s.CorrectedText
	}
	return s.RawText
}

// ByteLength returns the declared chunk length.
func (s *SubJob) ByteLength() int64 {
	return s.ByteEnd - s.ByteStart
}
