//go:build integration

package oracle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"salecore/pkg/testutil/containers"
)

type countingSource struct {
	mu    sync.Mutex
	rate  Rate
	err   error
	calls int
}

func (c *countingSource) Rate(context.Context, string, string) (Rate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return Rate{}, c.err
	}
	return c.rate, nil
}

func (c *countingSource) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCachedSource(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	upstream := &countingSource{rate: Rate{
		Source:    "EUR",
		Target:    "USD",
		Rate:      decimal.RequireFromString("1.1"),
		Precision: 6,
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	cached := NewCachedSource(upstream, rc.Client, time.Minute, logger)

	got, err := cached.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	require.True(t, got.Rate.Equal(decimal.RequireFromString("1.1")))
	require.Equal(t, 1, upstream.callCount())

	// Second lookup is served from the cache.
	got, err = cached.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	require.True(t, got.Rate.Equal(decimal.RequireFromString("1.1")))
	require.Equal(t, int32(6), got.Precision)
	require.Equal(t, 1, upstream.callCount())

	// A different pair is its own key.
	_, err = cached.Rate(ctx, "GBP", "USD")
	require.NoError(t, err)
	require.Equal(t, 2, upstream.callCount())

	// After eviction the lookup falls back to the upstream feed.
	require.NoError(t, rc.FlushAll(ctx))
	_, err = cached.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	require.Equal(t, 3, upstream.callCount())
}

func TestCachedSourceUpstreamErrorsAreNotCached(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	upstream := &countingSource{err: context.DeadlineExceeded}
	cached := NewCachedSource(upstream, rc.Client, time.Minute, logger)

	_, err := cached.Rate(ctx, "EUR", "USD")
	require.Error(t, err)

	upstream.mu.Lock()
	upstream.err = nil
	upstream.rate = Rate{Source: "EUR", Target: "USD", Rate: decimal.NewFromInt(2), Precision: 6}
	upstream.mu.Unlock()

	got, err := cached.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	require.True(t, got.Rate.Equal(decimal.NewFromInt(2)))
	require.Equal(t, 2, upstream.callCount())
}
