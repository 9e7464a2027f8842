package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle tiers derived from the post-decrement token count.
const (
	TierFull     = "full"
	TierSlow     = "slow"
	TierCritical = "critical"
)

// Decision tells a sender how long to hold back before calling the
// transport. The pipeline never hard-blocks: even the critical tier only
// imposes a bounded, jittered delay.
type Decision struct {
	Tier   string
	Tokens int
	Wait   time.Duration
}

// TokenBucket is a distributed token bucket shared by every delivery worker.
// The counter lives in Redis and is only ever mutated atomically: a clamped
// decrement per send attempt, and a refill that resets it to capacity on a
// fixed interval. It backs the global throughput ceiling of the chat
// platform.
type TokenBucket struct {
	client     *redis.Client
	key        string
	capacity   int
	slowAt     int
	criticalAt int
	interval   time.Duration
}

// NewTokenBucket constructs a bucket with the given capacity and tier
// thresholds. interval is the refill period.
func NewTokenBucket(client *redis.Client, capacity, slowThreshold, criticalThreshold int, interval time.Duration) *TokenBucket {
	if interval <= 0 {
		interval = time.Second
	}
	return &TokenBucket{
		client:     client,
		key:        "rate:bucket",
		capacity:   capacity,
		slowAt:     slowThreshold,
		criticalAt: criticalThreshold,
		interval:   interval,
	}
}

// Reserve consumes one token and returns the throttle decision for this
// send attempt. The counter clamps at zero: an exhausted bucket keeps
// handing out critical-tier decisions until the refill clock restores it,
// so the pipeline slows down but never wedges.
func (b *TokenBucket) Reserve(ctx context.Context) (Decision, error) {
	tokens, err := reserveScript.Run(ctx, b.client, []string{b.key}).Int()
	if err != nil {
		return Decision{}, err
	}
	return b.decide(tokens), nil
}

// Decrement clamped at zero.
var reserveScript = redis.NewScript(`
local tokens = tonumber(redis.call('GET', KEYS[1]) or '0')
if tokens > 0 then
  tokens = tokens - 1
  redis.call('SET', KEYS[1], tokens)
end
return tokens
`)

func (b *TokenBucket) decide(tokens int) Decision {
	switch {
	case tokens >= b.slowAt:
		return Decision{Tier: TierFull, Tokens: tokens}
	case tokens >= b.criticalAt:
		return Decision{
			Tier:   TierSlow,
			Tokens: tokens,
			Wait:   150*time.Millisecond + time.Duration(rand.Int63n(int64(200*time.Millisecond))),
		}
	default:
		return Decision{
			Tier:   TierCritical,
			Tokens: tokens,
			Wait:   400*time.Millisecond + time.Duration(rand.Int63n(int64(400*time.Millisecond))),
		}
	}
}

// Refill resets the bucket to full capacity, never above it.
func (b *TokenBucket) Refill(ctx context.Context) error {
	return b.client.Set(ctx, b.key, b.capacity, 0).Err()
}

// Tokens reads the current counter. Observability only; senders must use
// Reserve.
func (b *TokenBucket) Tokens(ctx context.Context) (int, error) {
	v, err := b.client.Get(ctx, b.key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// RunRefiller drives the refill clock until ctx is cancelled. It seeds the
// bucket immediately so the first interval is not spent empty.
func (b *TokenBucket) RunRefiller(ctx context.Context) error {
	if err := b.Refill(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = b.Refill(ctx)
		}
	}
}
