// Package transcribe holds the outbound HTTP clients of the pipeline: the
// external speech-to-text API and the LLM transcript correction endpoint.
// Both are consumed through interfaces so the processor can be tested
// against stubs.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/jobs"
	"github.com/audioscribe/audioscribe/internal/logging"
)

// Result is one transcription response.
type Result struct {
	Text     string         `json:"text"`
	Segments []jobs.Segment `json:"segments"`
	Duration float64        `json:"duration"`
}

// Client is the speech-to-text contract. Errors carry the upstream HTTP
// status via *errors.HTTPError when one was received.
type Client interface {
	Transcribe(ctx context.Context, audio []byte, extension, model string) (*Result, error)
}

// HTTPClient calls a whisper-style transcription endpoint: multipart POST
// with the audio file and model name.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient builds a transcription client from settings.
func NewHTTPClient(settings *conf.TranscriptionSettings) *HTTPClient {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint:   settings.Endpoint,
		apiKey:     settings.APIKey,
		model:      settings.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.ForService("transcribe"),
	}
}

// Transcribe submits the audio bytes and decodes the response. A non-2xx
// response becomes an *errors.HTTPError so the retry policy can classify it
// by status; the body is preserved as the message for substring hints like
// "no audio found".
func (c *HTTPClient) Transcribe(ctx context.Context, audio []byte, extension, model string) (*Result, error) {
	if model == "" {
		model = c.model
	}
	if extension == "" {
		extension = "mp3"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio."+strings.TrimPrefix(extension, "."))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio payload: %w", err)
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.New(err).
			Component("transcribe").
			Category(errors.CategoryNetworkTimeout).
			Timing("transcribe", time.Since(start)).
			Build()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read transcription response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("transcription request failed",
			"status", resp.StatusCode,
			"body_len", len(respBody),
			"duration_ms", time.Since(start).Milliseconds())
		return nil, &errors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("transcription API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	c.logger.Debug("transcription succeeded",
		"text_len", len(result.Text),
		"segments", len(result.Segments),
		"duration_ms", time.Since(start).Milliseconds())
	return &result, nil
}
