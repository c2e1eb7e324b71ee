// Package stream fans lifecycle events out to the per-parent SSE
// subscriber. Each parent job owns one multi-producer single-subscriber
// channel; the HTTP layer drains it into data frames. Delivery is
// best-effort: a full channel drops events rather than blocking producers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
)

// Event types carried on the stream.
const (
	TypeChunkComplete = "chunk_complete"
	TypeChunkError    = "chunk_error"
	TypeChunkSkipped  = "chunk_skipped"
	TypeProgress      = "progress"
	TypeFinal         = "final"
)

// ChunkCompleteEvent announces one finished chunk.
type ChunkCompleteEvent struct {
	Type           string         `json:"type"`
	ChunkIndex     int            `json:"chunk_index"`
	ParentJobID    string         `json:"parent_job_id"`
	Text           string         `json:"text"`
	RawText        string         `json:"raw_text"`
	CorrectedText  *string        `json:"corrected_text"`
	Segments       []jobs.Segment `json:"segments"`
	ProcessingTime int64          `json:"processing_time"`
	LLMApplied     bool           `json:"llm_applied"`
}

// ChunkErrorEvent announces a final (post-retry) chunk failure.
type ChunkErrorEvent struct {
	Type        string `json:"type"`
	ChunkIndex  int    `json:"chunk_index"`
	ParentJobID string `json:"parent_job_id"`
	Error       string `json:"error"`
	ErrorType   string `json:"error_type"`
	RetryCount  int    `json:"retry_count"`
}

// ChunkSkippedEvent announces a chunk excluded as non-audio.
type ChunkSkippedEvent struct {
	Type        string `json:"type"`
	ChunkIndex  int    `json:"chunk_index"`
	ParentJobID string `json:"parent_job_id"`
	Reason      string `json:"reason"`
	Strategy    string `json:"strategy"`
}

// ProgressEvent carries aggregate counters.
type ProgressEvent struct {
	Type            string  `json:"type"`
	ParentJobID     string  `json:"parent_job_id"`
	UploadedChunks  int     `json:"uploaded_chunks"`
	CompletedChunks int     `json:"completed_chunks"`
	FailedChunks    int     `json:"failed_chunks"`
	Progress        float64 `json:"progress"`
}

// FinalEvent is the last event on a stream.
type FinalEvent struct {
	Type            string         `json:"type"`
	ParentJobID     string         `json:"parent_job_id"`
	FinalTranscript string         `json:"final_transcript"`
	Segments        []jobs.Segment `json:"segments"`
}

// Sink is the producer-side contract handed to the processor and
// assembler.
type Sink interface {
	Publish(parentID string, event any)
	CloseStream(parentID string)
}

// channelBuffer bounds the per-parent event queue. Chunk events for a large
// file can burst; the subscriber normally drains far faster than chunks
// complete.
const channelBuffer = 256

type parentChannel struct {
	ch     chan any
	closed bool
}

// Hub implements Sink and the subscriber side. One subscriber per parent.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*parentChannel
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*parentChannel),
		logger:   logging.ForService("stream"),
	}
}

// Open creates the event channel for a parent job. Called at initialize
// time so events published before the subscriber attaches are buffered.
func (h *Hub) Open(parentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[parentID]; !exists {
		h.channels[parentID] = &parentChannel{ch: make(chan any, channelBuffer)}
	}
}

// Subscribe returns the receive side of a parent's channel. The second
// return is false when the parent has no channel (unknown or cleaned up);
// subscribers then close immediately.
func (h *Hub) Subscribe(parentID string) (<-chan any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pc, ok := h.channels[parentID]
	if !ok {
		return nil, false
	}
	return pc.ch, true
}

// Publish queues an event for the parent's subscriber. Publishing to an
// unknown or closed parent drops the event; a full buffer also drops, since
// exactly-once delivery is not part of the contract.
func (h *Hub) Publish(parentID string, event any) {
	h.mu.Lock()
	pc, ok := h.channels[parentID]
	if !ok || pc.closed {
		h.mu.Unlock()
		return
	}
	select {
	case pc.ch <- event:
	default:
		h.logger.Warn("event channel full, dropping event", "parent_job_id", parentID)
	}
	h.mu.Unlock()
}

// CloseStream closes the parent's channel. The subscriber drains buffered
// events (the final event among them) and then sees the close.
func (h *Hub) CloseStream(parentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pc, ok := h.channels[parentID]
	if !ok || pc.closed {
		return
	}
	pc.closed = true
	close(pc.ch)
	delete(h.channels, parentID)
}
