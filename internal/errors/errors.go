// Package errors provides centralized error handling for the transcription
// pipeline: enhanced errors with component and category metadata, plus the
// classification of upstream speech-to-text failures into the retry taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

const (
	// Upstream transcription error taxonomy. These drive the retry policy:
	// see Retryable and MaxAttempts in classify.go.
	CategoryRateLimit      ErrorCategory = "rate-limit"
	CategoryNetworkTimeout ErrorCategory = "network-timeout"
	CategoryServerError    ErrorCategory = "server-error"
	CategoryClientError    ErrorCategory = "client-error"
	CategoryAuthError      ErrorCategory = "auth-error"
	CategoryAudioFormat    ErrorCategory = "audio-format"
	CategoryAudioEmpty     ErrorCategory = "audio-empty"
	CategoryAudioCorrupted ErrorCategory = "audio-corrupted"
	CategoryUnknown        ErrorCategory = "unknown"

	// General categories used across packages
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not-found"
	CategoryJobState   ErrorCategory = "job-state"
	CategoryObjectIO   ErrorCategory = "object-io"
	CategoryKVStore    ErrorCategory = "kv-store"
	CategoryChunking   ErrorCategory = "chunking"
	CategoryBroadcast  ErrorCategory = "broadcast"
	CategoryGeneric    ErrorCategory = "generic"
)

// ComponentUnknown is used when the component has not been set.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error          // Original error
	Component string         // Component where the error occurred
	Category  ErrorCategory  // Error category for grouping and retry policy
	Context   map[string]any // Additional context data
	Timestamp time.Time      // When the error occurred
	mu        sync.RWMutex   // Protects Context copies
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is implements error type checking; two enhanced errors match on category.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// GetCategory returns the error category
func (ee *EnhancedError) GetCategory() ErrorCategory {
	return ee.Category
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new error builder wrapping err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// JobContext adds parent/chunk identification context
func (eb *ErrorBuilder) JobContext(parentID string, chunkIndex int) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context["parent_job_id"] = parentID
	eb.context["chunk_index"] = chunkIndex
	return eb
}

// Timing adds performance timing context
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context["operation"] = operation
	eb.context["duration_ms"] = duration.Milliseconds()
	return eb
}

// Build creates the EnhancedError
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}
	return ee
}

// ValidationError creates a validation error from a format string
func ValidationError(format string, args ...any) *EnhancedError {
	return Newf(format, args...).Category(CategoryValidation).Build()
}

// NotFoundError creates a not-found error for a record key
func NotFoundError(kind, id string) *EnhancedError {
	return Newf("%s not found: %s", kind, id).
		Category(CategoryNotFound).
		Context("id", id).
		Build()
}

// Standard library passthrough functions, so this package can be a drop-in
// replacement for the standard errors package.

// NewStd creates a new standard error
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks if an error is an EnhancedError with the specified category
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound checks if an error carries CategoryNotFound
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// CategoryOf returns the taxonomy category of err, classifying on the fly
// when err is not already an EnhancedError.
func CategoryOf(err error) ErrorCategory {
	var enhancedErr *EnhancedError
	if As(err, &enhancedErr) && enhancedErr.Category != "" && enhancedErr.Category != CategoryGeneric {
		return enhancedErr.Category
	}
	return Classify(err)
}

// noAudioPhrases are upstream response fragments that mean the submitted
// bytes contain no transcribable audio. A chunk-0 failure matching one of
// these is eligible for the skip rule instead of failing the parent.
var noAudioPhrases = []string{
	"no audio found",
	"invalid audio format",
	"audio file is empty",
	"no valid audio stream",
	"no speech detected",
	"audio too short",
	"unsupported audio format",
}

// IsNoAudio reports whether the error message matches a known no-audio
// phrase from the upstream transcription API.
func IsNoAudio(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range noAudioPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsTooShort reports whether the error message carries a "too short" size
// signal, which lowers the attempt threshold for the chunk-0 skip rule.
func IsTooShort(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "too short")
}
