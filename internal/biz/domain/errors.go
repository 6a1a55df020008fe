package domain

import (
	"fmt"
	"time"
)

// RateLimitedError means the upstream returned 429. Callers wait until
// ResetAt; the retry engine does not count this wait as a failed attempt.
type RateLimitedError struct {
	Resource string
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s until %s", e.Resource, e.ResetAt.Format(time.RFC3339))
}

// AuthenticationError means credentials were rejected (401). Never retried;
// the owning client marks itself unusable until credentials are reloaded.
type AuthenticationError struct {
	Resource string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Resource, e.Message)
}

// QuotaExceededError means the upstream quota for the current window is
// spent (403 with a quota payload). Not retried within the window.
type QuotaExceededError struct {
	Resource string
	Message  string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s", e.Resource, e.Message)
}

// APIError is any other upstream 4xx/5xx with a response body.
type APIError struct {
	Resource   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Resource, e.StatusCode, e.Message)
}

// NetworkError means no usable response was received at all.
type NetworkError struct {
	Resource string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Resource, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is malformed local data (missing field, empty id). Never
// retried; the item is logged and skipped.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
