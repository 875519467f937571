// Package ratelimit tracks per-user request and token budgets over rolling
// time windows: requests per minute, tokens per minute, and requests per day.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const (
	windowSeconds = 60 * time.Second
	defaultWait   = time.Second
)

// Limits holds the configured budget ceilings. All three are checked on
// every budget decision; breaching any one fails the check.
type Limits struct {
	RPM int // requests in the last 60 seconds
	TPM int // tokens in the last 60 seconds
	RPD int // requests since local midnight
}

// Estimator approximates the token cost of a request from its prompt length
// and attached image count. Images are visually expensive to the model, so
// they carry a flat per-image surcharge.
type Estimator func(promptLen, imageCount int) int

// DefaultEstimator uses the rough one-token-per-four-characters rule plus
// 1000 tokens per image. No request costs less than one token, so a tiny
// prompt still counts against the budget.
func DefaultEstimator(promptLen, imageCount int) int {
	n := promptLen/4 + imageCount*1000
	if n < 1 {
		return 1
	}
	return n
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// budget is one user's window state. Each budget has its own lock so that a
// single job's parallel per-image calls never contend with other users.
type budget struct {
	mu        sync.Mutex
	requests  []time.Time
	tokens    []tokenEntry
	daily     int
	dailyDate time.Time
}

// Limiter is safe for concurrent use by callers for the same or different
// users. It holds only in-memory counters; no I/O.
type Limiter struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[int64]*budget
}

func New(limits Limits, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		limits: limits,
		logger: logger,
		now:    time.Now,
		users:  make(map[int64]*budget),
	}
}

func (l *Limiter) bucket(userID int64) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.users[userID]
	if !ok {
		b = &budget{}
		l.users[userID] = b
	}
	return b
}

// evict drops window entries older than 60 seconds and rolls the daily
// counter over when the wall-clock date has advanced. Caller holds b.mu.
func (l *Limiter) evict(b *budget, now time.Time) {
	cutoff := now.Add(-windowSeconds)
	i := 0
	for i < len(b.requests) && b.requests[i].Before(cutoff) {
		i++
	}
	b.requests = b.requests[i:]

	j := 0
	for j < len(b.tokens) && b.tokens[j].at.Before(cutoff) {
		j++
	}
	b.tokens = b.tokens[j:]

	y1, m1, d1 := b.dailyDate.Date()
	y2, m2, d2 := now.Date()
	if b.dailyDate.IsZero() || y1 != y2 || m1 != m2 || d1 != d2 {
		b.daily = 0
		b.dailyDate = now
	}
}

// Check reports whether a request of estimatedTokens fits the current
// budget for userID without recording anything.
func (l *Limiter) Check(userID int64, estimatedTokens int) bool {
	b := l.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	l.evict(b, now)

	if len(b.requests) >= l.limits.RPM {
		return false
	}
	total := 0
	for _, e := range b.tokens {
		total += e.tokens
	}
	if total+estimatedTokens > l.limits.TPM {
		return false
	}
	if b.daily >= l.limits.RPD {
		return false
	}
	return true
}

// Record appends a usage entry to userID's rolling windows and increments
// the daily counter.
func (l *Limiter) Record(userID int64, tokens int) {
	b := l.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	l.evict(b, now)
	b.requests = append(b.requests, now)
	b.tokens = append(b.tokens, tokenEntry{at: now, tokens: tokens})
	b.daily++
}

// WaitTime returns the advised backoff before retrying: the time until the
// oldest per-minute entry falls out of the window, a small fixed default if
// the window is empty, or zero when the budget already fits. Advisory only;
// callers must re-check after waiting.
func (l *Limiter) WaitTime(userID int64, estimatedTokens int) time.Duration {
	if l.Check(userID, estimatedTokens) {
		return 0
	}

	b := l.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.requests) > 0 {
		wait := windowSeconds - l.now().Sub(b.requests[0])
		if wait < 0 {
			wait = 0
		}
		l.logger.Debug("ratelimit.wait", "user_id", userID, "wait", wait)
		return wait
	}
	return defaultWait
}
