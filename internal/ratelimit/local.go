package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter enforces a Rule in process with one token bucket per
// identifier. The bucket holds Limit tokens and refills over Window, so a
// burst of Limit is allowed and the sustained rate is Limit per Window.
type LocalLimiter struct {
	rule Rule

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter for rule.
func NewLocalLimiter(rule Rule) *LocalLimiter {
	return &LocalLimiter{rule: rule, buckets: make(map[string]*rate.Limiter)}
}

// Rule returns the enforced policy.
func (l *LocalLimiter) Rule() Rule { return l.rule }

func (l *LocalLimiter) bucket(identifier string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identifier]
	if !ok {
		every := l.rule.Window / time.Duration(max(l.rule.Limit, 1))
		b = rate.NewLimiter(rate.Every(every), max(l.rule.Limit, 1))
		l.buckets[identifier] = b
	}
	return b
}

// Allow reports whether identifier may send now. It never fails.
func (l *LocalLimiter) Allow(_ context.Context, identifier string) (bool, error) {
	return l.bucket(identifier).Allow(), nil
}

// Reset forgets the bucket for identifier.
func (l *LocalLimiter) Reset(_ context.Context, identifier string) error {
	l.mu.Lock()
	delete(l.buckets, identifier)
	l.mu.Unlock()
	return nil
}

// Len returns the number of tracked identifiers.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
