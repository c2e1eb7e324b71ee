package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/logging"
)

// correctionPrompt is the fixed instruction sent ahead of every transcript.
const correctionPrompt = "Fix speech recognition errors, improve punctuation, and make this transcript " +
	"more readable while preserving the original meaning and style. Output ONLY the corrected " +
	"transcript with no preamble, no explanations, and no commentary."

// correctionTemperature keeps the correction near-deterministic.
const correctionTemperature = 0.1

// Corrector is the LLM transcript correction contract.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// LLMClient calls a chat-completions style endpoint for transcript
// correction.
type LLMClient struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewLLMClient builds a correction client from settings.
func NewLLMClient(settings *conf.LLMSettings) *LLMClient {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	temperature := settings.Temperature
	if temperature <= 0 {
		temperature = correctionTemperature
	}
	return &LLMClient{
		endpoint:    settings.Endpoint,
		apiKey:      settings.APIKey,
		model:       settings.Model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logging.ForService("llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Correct sends the transcript through the correction prompt and returns
// the corrected text. Failures keep upstream status via *errors.HTTPError.
func (c *LLMClient) Correct(ctx context.Context, text string) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: correctionPrompt},
			{Role: "user", Content: text},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode correction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to build correction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.New(err).
			Component("llm").
			Category(errors.CategoryNetworkTimeout).
			Timing("llm_correct", time.Since(start)).
			Build()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read correction response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &errors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("LLM API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode correction response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.Newf("LLM response contained no choices").
			Component("llm").
			Category(errors.CategoryServerError).
			Build()
	}

	corrected := strings.TrimSpace(decoded.Choices[0].Message.Content)
	c.logger.Debug("transcript corrected",
		"input_len", len(text),
		"output_len", len(corrected),
		"duration_ms", time.Since(start).Milliseconds())
	return corrected, nil
}
