package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateKeyPrefix = "rate:"

// CachedSource wraps a RateSource with a Redis read-through cache so a burst
// of reservation requests does not hammer the upstream feed. Cache failures
// are soft: on any Redis error the lookup falls through to the wrapped source.
type CachedSource struct {
	next   RateSource
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSource builds a read-through cache over next. The TTL should be
// comfortably below the adapter's max rate age, otherwise cached entries can
// surface as StaleRate.
func NewCachedSource(next RateSource, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedSource {
	return &CachedSource{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Rate implements RateSource.
func (c *CachedSource) Rate(ctx context.Context, source, target string) (Rate, error) {
	key := rateKeyPrefix + source + ":" + target

	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var cached Rate
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable cached rate", "key", key)
	} else if err != redis.Nil {
		c.logger.WarnContext(ctx, "rate cache read failed", "key", key, "error", err)
	}

	rate, err := c.next.Rate(ctx, source, target)
	if err != nil {
		return Rate{}, err
	}

	if raw, err := json.Marshal(rate); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "rate cache write failed", "key", key, "error", err)
		}
	}
	return rate, nil
}
