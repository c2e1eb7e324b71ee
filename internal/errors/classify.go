package errors

import (
	"math"
	"strings"
	"time"
)

// HTTPError is an upstream error that carries the HTTP status code returned
// by the transcription or LLM endpoint. Classification prefers the status
// code; message substrings are a fallback categorization hint.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (he *HTTPError) Error() string {
	return he.Message
}

// Classify maps an upstream error onto the retry taxonomy. HTTP status wins
// when present; otherwise the lowercased message is matched for known
// substrings, mirroring the upstream API's free-form error bodies.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var httpErr *HTTPError
	if As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return CategoryRateLimit
		case httpErr.StatusCode == 401:
			return CategoryAuthError
		case httpErr.StatusCode == 500 || httpErr.StatusCode == 502 ||
			httpErr.StatusCode == 503 || httpErr.StatusCode == 504:
			return CategoryServerError
		case httpErr.StatusCode == 400:
			if cat := classifyAudioMessage(httpErr.Message); cat != "" {
				return cat
			}
			return CategoryClientError
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "quota exceeded"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "econnreset"):
		return CategoryNetworkTimeout
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "unauthorized"):
		return CategoryAuthError
	}
	if cat := classifyAudioMessage(msg); cat != "" {
		return cat
	}
	switch {
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "format"):
		return CategoryClientError
	}
	return CategoryUnknown
}

// classifyAudioMessage detects content-specific audio failures. These behave
// as client errors for retry purposes but keep their own category so the
// chunk-0 skip rule can identify them.
func classifyAudioMessage(msg string) ErrorCategory {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "audio file is empty"),
		strings.Contains(msg, "no audio found"),
		strings.Contains(msg, "audio too short"):
		return CategoryAudioEmpty
	case strings.Contains(msg, "unsupported audio format"),
		strings.Contains(msg, "invalid audio format"):
		return CategoryAudioFormat
	case strings.Contains(msg, "no valid audio stream"),
		strings.Contains(msg, "corrupt"):
		return CategoryAudioCorrupted
	}
	return ""
}

// Retry policy constants. Chunk 0 gets bonus attempts because a corrupted or
// metadata-heavy file head often recovers after preprocessing.
const (
	BaseMaxAttempts   = 5
	FirstChunkBonus   = 2
	InitialRetryDelay = 2 * time.Second
	MaxRetryDelay     = 10 * time.Second
	RetryMultiplier   = 1.5
)

// Retryable reports whether errors of the category are worth retrying at
// all. The per-category attempt cap is authoritative: auth and client errors
// cap at zero retries regardless.
func Retryable(cat ErrorCategory) bool {
	switch cat {
	case CategoryAuthError, CategoryClientError,
		CategoryAudioFormat, CategoryAudioEmpty, CategoryAudioCorrupted:
		return false
	default:
		return true
	}
}

// MaxAttempts returns the per-category attempt cap for the given chunk
// index. The cap counts transcription attempts, not retries: a cap of 1
// means one attempt and no retry.
func MaxAttempts(cat ErrorCategory, chunkIndex int) int {
	bonus := 0
	if chunkIndex == 0 {
		bonus = FirstChunkBonus
	}
	switch cat {
	case CategoryRateLimit, CategoryNetworkTimeout:
		return BaseMaxAttempts + bonus
	case CategoryServerError:
		return 3 + bonus
	case CategoryAuthError, CategoryClientError,
		CategoryAudioFormat, CategoryAudioEmpty, CategoryAudioCorrupted:
		return 1
	default:
		return 2 + bonus
	}
}

// RetryDelay returns the backoff delay before the given attempt number
// (1-based): 2000 * 1.5^(attempt-1) ms, capped at 10 s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(InitialRetryDelay) * math.Pow(RetryMultiplier, float64(attempt-1))
	if delay > float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}
