package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"

	"salecore/internal/sale/models"
)

// TxStatus is the observed state of a submitted chain transaction.
type TxStatus struct {
	Confirmations int
	Failed        bool
}

// ChainClient reads transaction state from a chain RPC endpoint.
type ChainClient interface {
	TxStatus(ctx context.Context, chainID, txHash string) (TxStatus, error)
}

// ErrTxNotFound is returned by ChainClient implementations when the
// transaction is not yet visible on chain. The poller keeps waiting.
var ErrTxNotFound = errors.New("transaction not found")

// WatchSource lists crypto reservations the poller should be tracking.
type WatchSource interface {
	PendingCryptoWatches(ctx context.Context) ([]models.Reservation, error)
}

// Poller watches submitted crypto payments and confirms reservations once
// the transaction reaches the required depth. One goroutine per watched
// reservation; each stops on a terminal outcome or when the reservation's
// transition is no longer applicable.
type Poller struct {
	engine   Engine
	source   WatchSource
	chain    ChainClient
	log      *slog.Logger
	interval time.Duration
	depth    int
	clock    func() time.Time

	mu       sync.Mutex
	watching map[id.ReservationID]context.CancelFunc
	wg       sync.WaitGroup
}

func NewPoller(engine Engine, source WatchSource, chain ChainClient, log *slog.Logger, interval time.Duration, depth int) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if depth <= 0 {
		depth = 3
	}
	return &Poller{
		engine:   engine,
		source:   source,
		chain:    chain,
		log:      log,
		interval: interval,
		depth:    depth,
		clock:    time.Now,
		watching: make(map[id.ReservationID]context.CancelFunc),
	}
}

// SetClock overrides the clock used for the expiry cutoff.
func (p *Poller) SetClock(clock func() time.Time) {
	p.clock = clock
}

// Resume re-registers watches for reservations that already carry a payment
// reference. Called once on startup so a restart does not orphan in-flight
// payments.
func (p *Poller) Resume(ctx context.Context) error {
	pending, err := p.source.PendingCryptoWatches(ctx)
	if err != nil {
		return err
	}
	for _, res := range pending {
		p.Watch(ctx, res)
	}
	if len(pending) > 0 {
		p.log.Info("resumed chain watches", "count", len(pending))
	}
	return nil
}

// Watch starts tracking one reservation's submitted transaction. Watching
// the same reservation twice is a no-op.
func (p *Poller) Watch(ctx context.Context, res models.Reservation) {
	chainID := res.Metadata[models.MetaChainID]
	txHash := res.Metadata[models.MetaTxHash]
	if chainID == "" || txHash == "" {
		return
	}

	p.mu.Lock()
	if _, ok := p.watching[res.ID]; ok {
		p.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.watching[res.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.forget(res.ID)
		p.track(watchCtx, res.ID, chainID, txHash, res.ExpiresAt)
	}()
}

func (p *Poller) forget(rid id.ReservationID) {
	p.mu.Lock()
	if cancel, ok := p.watching[rid]; ok {
		cancel()
		delete(p.watching, rid)
	}
	p.mu.Unlock()
}

// Stop cancels all watches and waits for their goroutines to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	for _, cancel := range p.watching {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) track(ctx context.Context, rid id.ReservationID, chainID, txHash string, expiresAt time.Time) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log := p.log.With("reservation_id", rid.String(), "chain_id", chainID, "tx_hash", txHash)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.chain.TxStatus(ctx, chainID, txHash)
		if err != nil {
			if errors.Is(err, ErrTxNotFound) {
				// The sweeper expires the reservation; past that point
				// the transaction will never be applied, so stop.
				if p.clock().After(expiresAt) {
					log.Info("dropping watch for expired reservation")
					return
				}
				continue
			}
			log.Warn("chain status check failed", "error", err)
			continue
		}

		if status.Failed {
			if _, err := p.engine.Reject(ctx, rid, "chain transaction failed"); err != nil && !terminalOutcome(err) {
				log.Error("reject after failed transaction", "error", err)
				continue
			}
			log.Info("reservation rejected after failed transaction")
			return
		}

		if status.Confirmations < p.depth {
			continue
		}

		evidence := models.Evidence{Rail: models.RailCrypto, ChainID: chainID, TxHash: txHash}
		if _, err := p.engine.Confirm(ctx, rid, evidence); err != nil {
			if terminalOutcome(err) {
				log.Info("watch ended, reservation already settled", "error", err)
				return
			}
			log.Error("confirm after confirmation depth", "error", err)
			continue
		}
		log.Info("reservation confirmed from chain", "confirmations", status.Confirmations)
		return
	}
}

// terminalOutcome reports whether the engine says this reservation can never
// be transitioned by the poller again.
func terminalOutcome(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeAlreadyTerminal, dErrors.CodeReservationExpired, dErrors.CodeNotFound:
		return true
	}
	return false
}
