package session

import (
	"sync"
	"time"
)

const (
	// defaultMaxAttempts is the failed-attempt ceiling when the caller
	// does not supply one.
	defaultMaxAttempts = 5

	// attemptWindow is the sliding window for counting failed attempts.
	attemptWindow = 15 * time.Minute

	// pruneThreshold is the number of tracked identifiers above
	// which the limiter prunes expired entries to prevent unbounded
	// growth.
	pruneThreshold = 1000
)

// rateLimiter counts failed attempts per identifier with a sliding
// window. Independent of session state, it carries its own lock.
type rateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{failures: make(map[string][]time.Time)}
}

// allowed returns true while the identifier is under the limit.
func (rl *rateLimiter) allowed(identifier string, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-attemptWindow)

	// Prevent unbounded growth from many distinct identifiers. When the
	// map gets large, prune all identifiers whose most recent failure has
	// expired beyond the window.
	if len(rl.failures) > pruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[identifier][:0]
	for _, t := range rl.failures[identifier] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, identifier)
	} else {
		rl.failures[identifier] = recent
	}

	return len(recent) < maxAttempts
}

// record adds a failed attempt for the identifier.
func (rl *rateLimiter) record(identifier string) {
	rl.mu.Lock()
	rl.failures[identifier] = append(rl.failures[identifier], time.Now())
	rl.mu.Unlock()
}

// reset clears all failed attempts for the identifier.
func (rl *rateLimiter) reset(identifier string) {
	rl.mu.Lock()
	delete(rl.failures, identifier)
	rl.mu.Unlock()
}
