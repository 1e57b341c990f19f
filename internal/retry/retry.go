// Package retry classifies provider errors as transient or fatal and
// re-runs transient failures with exponential backoff.
package retry

import (
	"errors"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config bounds the retry loop. Sleep is injectable for tests; nil means
// time.Sleep.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(time.Duration)
}

// Default mirrors the standard run configuration.
func Default() Config {
	return Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// transientMarkers are lowercase substrings whose presence in an error
// message marks it retryable. Provider SDK messages vary, so this list is
// deliberately broad.
var transientMarkers = []string{
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"connection",
	"connecttimeout",
	"connecterror",
	"remoteprotocolerror",
	"disconnected",
	"unavailable",
	"deadline_exceeded",
	"ratelimiterror",
	"service_tier_capacity_exceeded",
	"capacity exceeded",
	"overloaded",
	"empty response text",
	"service unavailable",
	"internal server error",
}

var transientStatusTexts = map[string]bool{
	"unavailable":       true,
	"deadline_exceeded": true,
	"service_unavailable": true,
	"too_many_requests": true,
}

type statusCoder interface {
	StatusCode() int
}

type statusTexter interface {
	StatusText() string
}

type retryAfterer interface {
	RetryAfterHint() (time.Duration, bool)
}

// IsTransient reports whether err looks like a temporary provider
// condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	var st statusTexter
	if errors.As(err, &st) {
		if transientStatusTexts[strings.ToLower(st.StatusText())] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]?after[^0-9]*([0-9]+(?:\.[0-9]+)?)`)

// retryAfterHint extracts an upstream retry-after duration from a typed
// error or, failing that, from the message text.
func retryAfterHint(err error) (time.Duration, bool) {
	var ra retryAfterer
	if errors.As(err, &ra) {
		if d, ok := ra.RetryAfterHint(); ok && d >= 0 {
			return d, true
		}
	}
	match := retryAfterPattern.FindStringSubmatch(err.Error())
	if match != nil {
		if seconds, perr := strconv.ParseFloat(match[1], 64); perr == nil && seconds >= 0 {
			return time.Duration(seconds * float64(time.Second)), true
		}
	}
	return 0, false
}

// Delay computes the sleep before the next attempt following attempt
// (1-based). A retry-after hint wins, capped at MaxDelay; otherwise
// exponential backoff from BaseDelay plus a small uniform jitter.
func Delay(cfg Config, attempt int, err error) time.Duration {
	if hint, ok := retryAfterHint(err); ok {
		return min(cfg.MaxDelay, hint)
	}
	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitterCap := min(500*time.Millisecond, cfg.BaseDelay)
	if jitterCap > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterCap)))
	}
	return delay
}

// Do invokes fn up to cfg.MaxAttempts times. onAttempt (when non-nil)
// fires before every attempt including the first, so callers can gate
// each attempt on a rate limiter. Fatal errors and exhausted attempts
// return immediately.
func Do(cfg Config, onAttempt func(attempt int), fn func() error) error {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt)
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= attempts || !IsTransient(err) {
			return err
		}
		sleep(Delay(cfg, attempt, err))
	}
	return lastErr
}
