// Package sweeper reclaims capacity from reservations whose evidence window
// closed without a settlement, and closes sales past their end time.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"

	"salecore/internal/platform/metrics"
)

// Engine is the slice of the allocation service the sweeper drives.
type Engine interface {
	DueReservations(ctx context.Context, now time.Time, limit int) ([]id.ReservationID, error)
	Expire(ctx context.Context, rid id.ReservationID) (bool, error)
	CloseEndedSales(ctx context.Context, now time.Time) (int, error)
}

// Result summarizes one sweep pass.
type Result struct {
	Scanned     int
	Expired     int
	Skipped     int
	SalesClosed int
}

// Sweeper runs periodic expiry passes. Each reservation expires in its own
// transaction so one contended row never blocks the rest of the batch, and
// a crash mid-pass loses no work beyond the current reservation.
type Sweeper struct {
	engine    Engine
	log       *slog.Logger
	metrics   *metrics.Metrics
	batchSize int
	clock     func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) { s.clock = clock }
}

// WithBatchSize caps how many due reservations one pass handles.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(engine Engine, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Sweeper {
	s := &Sweeper{
		engine:    engine,
		log:       log,
		metrics:   m,
		batchSize: 500,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass: expire due reservations, then close ended sales.
// A reservation that was settled between listing and locking is skipped,
// not an error.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	started := s.clock()
	defer func() {
		s.metrics.ObserveSweep(s.clock().Sub(started))
	}()

	now := s.clock()
	due, err := s.engine.DueReservations(ctx, now, s.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list due reservations: %w", err)
	}

	result := Result{Scanned: len(due)}
	for _, rid := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		expired, err := s.engine.Expire(ctx, rid)
		switch {
		case err == nil && expired:
			result.Expired++
		case err == nil, dErrors.HasCode(err, dErrors.CodeNotFound):
			result.Skipped++
		default:
			// Log and keep going; the next pass retries it.
			s.log.Error("expire reservation", "reservation_id", rid.String(), "error", err)
			result.Skipped++
		}
	}

	closed, err := s.engine.CloseEndedSales(ctx, now)
	if err != nil {
		return result, fmt.Errorf("close ended sales: %w", err)
	}
	result.SalesClosed = closed

	if result.Expired > 0 || result.SalesClosed > 0 {
		s.log.Info("sweep pass complete",
			"scanned", result.Scanned,
			"expired", result.Expired,
			"skipped", result.Skipped,
			"sales_closed", result.SalesClosed,
		)
	}
	return result, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep pass failed", "error", err)
			}
		}
	}
}
