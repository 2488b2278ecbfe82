// Package ratelimit throttles inbound chat messages per connection using a
// Redis INCR + EXPIRE fixed window. Redis errors fail open so an outage
// never blocks legitimate traffic.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// MessageRule builds the per-connection rule for chat messages.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:msg:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: logger.With().Str("component", "ratelimit").Logger()}
}

// Allow increments the identifier's counter, setting the window expiry on
// first access. It reports false once the count exceeds rule.Limit.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests are left in the current window. A
// missing key means the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns the time until the identifier's window resets, or the
// full window when it cannot be determined.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}

// Reset clears the identifier's counter, e.g. when its connection closes.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}

// Bound applies one rule to many identifiers.
type Bound struct {
	l    *Limiter
	rule Rule
}

// Bind fixes rule for subsequent checks.
func (l *Limiter) Bind(rule Rule) *Bound {
	return &Bound{l: l, rule: rule}
}

// Allow reports whether identifier may proceed and, when it may not, how
// long until its window resets. Redis failures allow the request.
func (b *Bound) Allow(ctx context.Context, identifier string) (bool, time.Duration) {
	ok, _ := b.l.Allow(ctx, identifier, b.rule)
	if ok {
		return true, 0
	}
	return false, b.l.RetryAfter(ctx, identifier, b.rule)
}

// Reset forgets identifier's window.
func (b *Bound) Reset(ctx context.Context, identifier string) {
	if err := b.l.Reset(ctx, identifier, b.rule); err != nil {
		b.l.log.Debug().Err(err).Str("identifier", identifier).Msg("reset failed")
	}
}
