package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error is the typed upstream failure the retry policy classifies on.
type Error struct {
	Provider   string
	Code       int
	Status     string
	Message    string
	RetryAfter time.Duration
	HasHint    bool
	Err        error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode reports the upstream HTTP status, 0 when unknown.
func (e *Error) StatusCode() int { return e.Code }

// StatusText reports the upstream status string (e.g. UNAVAILABLE).
func (e *Error) StatusText() string { return e.Status }

// RetryAfterHint reports an upstream-supplied retry delay, when present.
func (e *Error) RetryAfterHint() (time.Duration, bool) { return e.RetryAfter, e.HasHint }

func retryAfterFromHeader(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second)), true
	}
	return 0, false
}
