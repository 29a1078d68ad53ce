package discord

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a non-2xx response from the Discord REST API.
type APIError struct {
	Status     int
	Code       int // Discord-specific error code, 0 if absent
	Message    string
	RetryAfter time.Duration // populated for 429 responses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: %d (code %d): %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 (message, channel, or user gone).
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// IsPermission reports whether err is a 403 (bot lacks access). 401 is
// included: a revoked token surfaces the same way to callers.
func IsPermission(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == 403 || apiErr.Status == 401)
}

// IsRateLimited reports whether err is a 429 with a server-advised delay.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 429
}

// retryable reports whether the request may be re-sent. Rate limits and
// server-side failures retry; client errors (4xx other than 429) do not.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	// Transport-level failure: retryable.
	return err != nil
}
