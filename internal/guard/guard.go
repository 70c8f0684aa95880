// Package guard implements the send-path abuse checks: a fixed-window message
// ceiling per sender and a mention-count cap. The window counters live behind
// the CounterStore interface so a single-process deployment can run on the
// in-memory store while a scaled-out one shares counters through NATS KV.
//
// This guard sits in front of persistence in the message services; the HTTP
// middleware token bucket remains the edge-level request limiter. The two are
// complementary: the bucket smooths raw request pressure, the window enforces
// the product-level "N messages per minute" ceiling with an exact retry-after.
package guard

import (
	"strings"
	"time"
	"unicode"
)

// CounterStore increments and reads fixed-window counters. Implementations
// must be safe for concurrent use.
type CounterStore interface {
	// Incr increments the counter for key within the window that contains
	// now, creating it at 1 when absent, and returns the new value together
	// with the window's expiry instant.
	Incr(key string, now time.Time, window time.Duration) (count int, resetAt time.Time)
}

// Limiter enforces a per-key fixed-window ceiling.
type Limiter struct {
	Store   CounterStore
	Window  time.Duration
	Ceiling int
}

// NewLimiter constructs a Limiter over store. A ceiling below 1 is coerced to
// 1 so a misconfigured limiter fails closed rather than open.
func NewLimiter(store CounterStore, window time.Duration, ceiling int) *Limiter {
	if ceiling < 1 {
		ceiling = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{Store: store, Window: window, Ceiling: ceiling}
}

// Allow records one send attempt for key and reports whether it fits under
// the ceiling. When rejected, retryAfter is the time remaining until the
// current window resets, rounded up to a whole second so clients never retry
// a moment too early.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := time.Now()
	count, resetAt := l.Store.Incr(key, now, l.Window)
	if count <= l.Ceiling {
		return true, 0
	}
	remaining := resetAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return false, roundUpSecond(remaining)
}

func roundUpSecond(d time.Duration) time.Duration {
	if d%time.Second == 0 {
		return d
	}
	return d.Truncate(time.Second) + time.Second
}

// CountMentions returns the number of @handle tokens in content. A mention is
// an "@" followed by at least one letter, digit, underscore or hyphen, and
// preceded by start-of-text or a non-word rune, so e-mail addresses embedded
// in words do not count.
func CountMentions(content string) int {
	n := 0
	runes := []rune(content)
	for i, r := range runes {
		if r != '@' {
			continue
		}
		if i > 0 && isHandleRune(runes[i-1]) {
			continue
		}
		if i+1 < len(runes) && isHandleRune(runes[i+1]) {
			n++
		}
	}
	return n
}

func isHandleRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

// WindowKey builds the store key for a sender. Keys are namespaced the same
// way the HTTP limiter namespaces bucket identities.
func WindowKey(userID string) string {
	return "send:" + strings.TrimSpace(userID)
}
