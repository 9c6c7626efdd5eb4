// Package ratelimit implements sliding-window admission control keyed by
// caller-chosen strings. Both channel managers share one limiter instance;
// callers prefix keys with their channel type so a chatty interactive
// client cannot starve its own broadcast stream.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CountMode selects which request outcomes consume window capacity.
type CountMode int

const (
	CountAll CountMode = iota
	CountSuccesses
	CountFailures
)

const sweepInterval = 60 * time.Second

// Limiter tracks accepted-request timestamps per key within a trailing
// window. Stale timestamps are pruned lazily on read; idle keys are
// evicted by a periodic sweep.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clockwork.Clock

	max     int
	window  time.Duration
	mode    CountMode
	sweepAt time.Time
}

type entry struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New creates a limiter allowing max requests per key within window.
func New(max int, window time.Duration, mode CountMode, clock clockwork.Clock) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		clock:   clock,
		max:     max,
		window:  window,
		mode:    mode,
		sweepAt: clock.Now().Add(sweepInterval),
	}
}

// IsRateLimited prunes expired timestamps for key and reports whether the
// remaining count has reached the configured maximum.
func (l *Limiter) IsRateLimited(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweep()

	e, ok := l.entries[key]
	if !ok {
		return false
	}
	l.prune(e)
	return len(e.timestamps) >= l.max
}

// RecordRequest records a request outcome for key. Whether it consumes
// window capacity depends on the limiter's count mode.
func (l *Limiter) RecordRequest(key string, success bool) {
	switch l.mode {
	case CountSuccesses:
		if !success {
			return
		}
	case CountFailures:
		if success {
			return
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	l.prune(e)
	e.timestamps = append(e.timestamps, now)
	e.lastSeen = now
}

// RemainingRequests returns how many requests key may still make within
// the current window.
func (l *Limiter) RemainingRequests(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return l.max
	}
	l.prune(e)
	if remaining := l.max - len(e.timestamps); remaining > 0 {
		return remaining
	}
	return 0
}

// ResetTime returns when the oldest in-window request for key expires,
// i.e. the earliest moment a currently-limited key regains capacity.
// For an idle key it returns the current time.
func (l *Limiter) ResetTime(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return l.clock.Now()
	}
	l.prune(e)
	if len(e.timestamps) == 0 {
		return l.clock.Now()
	}
	return e.timestamps[0].Add(l.window)
}

// ActiveKeys returns the number of keys currently tracked.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// prune drops timestamps outside the trailing window. Must be called with
// mu held.
func (l *Limiter) prune(e *entry) {
	cutoff := l.clock.Now().Add(-l.window)
	idx := 0
	for idx < len(e.timestamps) && !e.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[idx:]...)
	}
}

// maybeSweep evicts keys idle for 2x the window. Runs at most once per
// sweep interval, piggybacking on regular calls. Must be called with mu
// held.
func (l *Limiter) maybeSweep() {
	now := l.clock.Now()
	if now.Before(l.sweepAt) {
		return
	}
	l.sweepAt = now.Add(sweepInterval)

	cutoff := now.Add(-2 * l.window)
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}
