// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The relay uses it to throttle chat lines per connection when
// history is shared through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// RuleMessage allows 20 chat lines per 10 seconds per connection.
var RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

// Limiter performs rate limiting checks for one rule against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	logger *zap.Logger
}

// NewLimiter creates a Limiter enforcing rule.
func NewLimiter(client *redis.Client, rule Rule, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		rule:   rule,
		logger: logging.OrNop(logger).With(zap.String("component", "ratelimit")),
	}
}

// Rule returns the enforced policy.
func (l *Limiter) Rule() Rule { return l.rule }

// Allow increments the counter for identifier and reports whether it is still
// within the limit. On Redis errors it fails open and returns the error, so
// an outage never blocks chat traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.rule.Window).Err(); err != nil {
			l.logger.Warn("EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	return int(count) <= l.rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. It returns the full limit when no window is open or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return l.rule.Limit, nil
	}
	if err != nil {
		return l.rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	if remaining := l.rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Reset closes the window for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.client.Del(ctx, l.rule.Key+identifier).Err()
}
