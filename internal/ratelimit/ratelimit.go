// Package ratelimit provides a strict-spacing per-minute admission gate.
package ratelimit

import (
	"sync"
	"time"
)

// Waiter is the gate interface phases block on.
type Waiter interface {
	Wait()
}

// PerMinute admits at most rpm operations per rolling minute by spacing
// consecutive admissions at least 60/rpm seconds apart. This is
// intentionally stricter than a token bucket: upstream quotas are hard
// ceilings, so bursts are never allowed.
type PerMinute struct {
	interval    time.Duration
	mu          sync.Mutex
	nextAllowed time.Time
	now         func() time.Time
	sleep       func(time.Duration)
}

// NewPerMinute returns a limiter admitting rpm operations per minute.
func NewPerMinute(rpm int) *PerMinute {
	return NewPerMinuteWithClock(rpm, time.Now, time.Sleep)
}

// NewPerMinuteWithClock is NewPerMinute with an injectable clock and
// sleep, for tests.
func NewPerMinuteWithClock(rpm int, now func() time.Time, sleep func(time.Duration)) *PerMinute {
	if rpm < 1 {
		rpm = 1
	}
	return &PerMinute{
		interval: time.Minute / time.Duration(rpm),
		now:      now,
		sleep:    sleep,
	}
}

// Wait blocks the caller until its admission slot. The next-allowed
// instant is claimed under the lock; the sleep happens outside it so
// concurrent callers queue up without serializing their sleeps.
func (l *PerMinute) Wait() {
	l.mu.Lock()
	now := l.now()
	var waitFor time.Duration
	if l.nextAllowed.After(now) {
		waitFor = l.nextAllowed.Sub(now)
		l.nextAllowed = l.nextAllowed.Add(l.interval)
	} else {
		l.nextAllowed = now.Add(l.interval)
	}
	l.mu.Unlock()
	if waitFor > 0 {
		l.sleep(waitFor)
	}
}
