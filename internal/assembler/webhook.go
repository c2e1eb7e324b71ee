package assembler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
)

const (
	webhookTimeout  = 10 * time.Second
	webhookAttempts = 3
	webhookBackoff  = 2 * time.Second
)

// webhookPayload is the JSON body posted to the parent's webhook URL.
type webhookPayload struct {
	ParentJobID     string     `json:"parent_job_id"`
	Status          string     `json:"status"`
	Filename        string     `json:"filename"`
	FinalTranscript string     `json:"final_transcript,omitempty"`
	CompletedChunks int        `json:"completed_chunks"`
	FailedChunks    int        `json:"failed_chunks"`
	SkippedChunks   int        `json:"skipped_chunks"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// WebhookDispatcher posts terminal notifications to per-job webhook URLs.
// Delivery is best-effort with a few retries; failures are logged and
// dropped.
type WebhookDispatcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookDispatcher creates a dispatcher with the default timeout.
func NewWebhookDispatcher() *WebhookDispatcher {
	return &WebhookDispatcher{
		httpClient: &http.Client{Timeout: webhookTimeout},
		logger:     logging.ForService("webhook"),
	}
}

// Notify posts the terminal payload to the parent's webhook URL.
func (w *WebhookDispatcher) Notify(ctx context.Context, parent *jobs.ParentJob) {
	payload := webhookPayload{
		ParentJobID:     parent.ID,
		Status:          string(parent.Status),
		Filename:        parent.Filename,
		FinalTranscript: parent.FinalTranscript,
		CompletedChunks: parent.CompletedChunks,
		FailedChunks:    parent.FailedChunks,
		SkippedChunks:   parent.SkippedChunks,
		CompletedAt:     parent.CompletedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("failed to encode webhook payload", "parent_job_id", parent.ID, "error", err.Error())
		return
	}

	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if err := w.post(ctx, parent.WebhookURL, body); err == nil {
			w.logger.Debug("webhook delivered", "parent_job_id", parent.ID, "attempt", attempt)
			return
		} else if attempt < webhookAttempts {
			select {
			case <-time.After(webhookBackoff):
			case <-ctx.Done():
				return
			}
		} else {
			w.logger.Warn("webhook delivery failed, giving up",
				"parent_job_id", parent.ID,
				"url", parent.WebhookURL,
				"error", err.Error())
		}
	}
}

func (w *WebhookDispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}
