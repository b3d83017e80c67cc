// Package redis implements the webhook rate limiter on a Redis sorted set per
// key, so the sliding window is shared across ingress replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/webhook"
)

const keyPrefix = "typeflow:ratelimit:"

// Limiter is a Redis-backed sliding-window webhook.RateLimiter. Each key maps
// to a sorted set of request timestamps scored by unix nanoseconds.
type Limiter struct {
	client *goredis.Client
	now    func() time.Time
}

// New validates the client and returns the limiter.
func New(client *goredis.Client) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Limiter{client: client, now: time.Now}, nil
}

// Allow records the request when under the limit, or rejects it with the time
// until the oldest in-window request expires. A zero limit disables limiting.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}
	now := l.now()
	cutoff := now.Add(-webhook.Window)
	rkey := keyPrefix + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}

	if card.Val() >= int64(limit) {
		oldest, err := l.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
		if err != nil {
			return fmt.Errorf("rate limit window read: %w", err)
		}
		reset := now.Add(webhook.Window)
		if len(oldest) > 0 {
			reset = time.Unix(0, int64(oldest[0].Score)).Add(webhook.Window)
		}
		return &flowerrors.RateLimitError{
			RetryAfter: reset.Sub(now),
			Reset:      reset,
		}
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, goredis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, rkey, webhook.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}
