// Package postgres is the durable ledger store. The sale row lock
// (SELECT ... FOR UPDATE) is the authoritative serialization point for all
// capacity accounting: transitions touching one sale serialize against each
// other, transitions on different sales do not block each other.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	"salecore/pkg/platform/sentinel"
	pkgtx "salecore/pkg/platform/tx"
)

// Store persists sales, reservations, distributions, and anomalies.
type Store struct {
	db *sql.DB
}

// New constructs a Postgres-backed ledger store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunInTx executes fn inside a database transaction. Nested calls join the
// outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := pkgtx.From(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(pkgtx.With(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := pkgtx.From(ctx); ok {
		return tx
	}
	return s.db
}

const saleColumns = `id, token_symbol, total_supply, reserved, confirmed, unit_price, price_currency,
	starts_at, ends_at, closed, kyc_required, min_kyc_tier, rails, created_at, updated_at`

func (s *Store) GetSale(ctx context.Context, saleID id.SaleID) (models.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	return s.scanSale(s.q(ctx).QueryRowContext(ctx, query, saleID.String()))
}

func (s *Store) GetSaleForUpdate(ctx context.Context, saleID id.SaleID) (models.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1 FOR UPDATE`
	return s.scanSale(s.q(ctx).QueryRowContext(ctx, query, saleID.String()))
}

func (s *Store) UpdateSaleCounters(ctx context.Context, saleID id.SaleID, reserved, confirmed decimal.Decimal) error {
	// The CHECK constraints on the table are the last line of defense for
	// the capacity invariant; the engine enforces it before writing.
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sales SET reserved = $2, confirmed = $3, updated_at = now() WHERE id = $1`,
		saleID.String(), reserved, confirmed)
	if err != nil {
		return fmt.Errorf("update sale counters: %w", err)
	}
	return requireRow(res)
}

func (s *Store) MarkSaleClosed(ctx context.Context, saleID id.SaleID) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sales SET closed = TRUE, updated_at = now() WHERE id = $1`,
		saleID.String())
	if err != nil {
		return fmt.Errorf("mark sale closed: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ListEndedOpenSales(ctx context.Context, now time.Time) ([]models.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE closed = FALSE AND ends_at < $1`
	rows, err := s.q(ctx).QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list ended sales: %w", err)
	}
	defer rows.Close()

	var out []models.Sale
	for rows.Next() {
		sale, err := s.scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, rows.Err()
}

const reservationColumns = `id, sale_id, buyer_id, rail, quantity,
	quote_source_currency, quote_target_asset, quote_rate, quote_precision, quote_unit_price,
	quote_total_cost, quote_fee_applied, quote_computed_at,
	status, evidence_rail, evidence_chain_id, evidence_tx_hash, evidence_confirmation_id, evidence_receipt_ref,
	reject_reason, metadata, created_at, expires_at, resolved_at`

func (s *Store) CreateReservation(ctx context.Context, r models.Reservation) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode reservation metadata: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO reservations (
			id, sale_id, buyer_id, rail, quantity,
			quote_source_currency, quote_target_asset, quote_rate, quote_precision, quote_unit_price,
			quote_total_cost, quote_fee_applied, quote_computed_at,
			status, metadata, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID.String(), r.SaleID.String(), r.BuyerID.String(), string(r.Rail), r.Quantity,
		r.Quote.SourceCurrency, r.Quote.TargetAsset, r.Quote.Rate, r.Quote.Precision, r.Quote.UnitPrice,
		r.Quote.TotalCost, r.Quote.FeeApplied, r.Quote.ComputedAt,
		string(r.Status), meta, r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, rid id.ReservationID) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	return s.scanReservation(s.q(ctx).QueryRowContext(ctx, query, rid.String()))
}

func (s *Store) GetReservationForUpdate(ctx context.Context, rid id.ReservationID) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
	return s.scanReservation(s.q(ctx).QueryRowContext(ctx, query, rid.String()))
}

func (s *Store) UpdateReservation(ctx context.Context, r models.Reservation) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode reservation metadata: %w", err)
	}
	var (
		evRail, evChain, evTx, evConf, evReceipt sql.NullString
		resolvedAt                               sql.NullTime
	)
	if r.Evidence != nil {
		evRail = sql.NullString{String: string(r.Evidence.Rail), Valid: true}
		evChain = nullIfEmpty(r.Evidence.ChainID)
		evTx = nullIfEmpty(r.Evidence.TxHash)
		evConf = nullIfEmpty(r.Evidence.ConfirmationID)
		evReceipt = nullIfEmpty(r.Evidence.ReceiptRef)
	}
	if r.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *r.ResolvedAt, Valid: true}
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE reservations SET
			status = $2,
			evidence_rail = $3, evidence_chain_id = $4, evidence_tx_hash = $5,
			evidence_confirmation_id = $6, evidence_receipt_ref = $7,
			reject_reason = $8, metadata = $9, resolved_at = $10
		WHERE id = $1`,
		r.ID.String(), string(r.Status),
		evRail, evChain, evTx, evConf, evReceipt,
		nullIfEmpty(r.RejectReason), meta, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ListReservationsByBuyer(ctx context.Context, buyerID id.BuyerID) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE buyer_id = $1 ORDER BY created_at DESC`
	return s.listReservations(ctx, query, buyerID.String())
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]id.ReservationID, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id FROM reservations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	defer rows.Close()

	var out []id.ReservationID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan reservation id: %w", err)
		}
		rid, err := id.ParseReservationID(raw)
		if err != nil {
			return nil, fmt.Errorf("parse stored reservation id %q: %w", raw, err)
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingByRail(ctx context.Context, rail models.Rail) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE status = 'pending' AND rail = $1`
	return s.listReservations(ctx, query, string(rail))
}

func (s *Store) CreateDistribution(ctx context.Context, d models.Distribution) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO distributions (reservation_id, sale_id, buyer_id, token_symbol, destination, quantity, delivery_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ReservationID.String(), d.SaleID.String(), d.BuyerID.String(),
		d.TokenSymbol, d.Destination, d.Quantity, nullIfEmpty(d.DeliveryRef), d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create distribution: %w", err)
	}
	return nil
}

func (s *Store) CreateAnomaly(ctx context.Context, a models.Anomaly) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO anomalies (id, reservation_id, kind, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (reservation_id, kind) DO NOTHING`,
		a.ID, a.ReservationID.String(), string(a.Kind), a.Detail, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create anomaly: %w", err)
	}
	return nil
}

func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, reservation_id, kind, detail, created_at
		FROM anomalies ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var (
			a   models.Anomaly
			rid string
		)
		if err := rows.Scan(&a.ID, &rid, (*string)(&a.Kind), &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		parsed, err := id.ParseReservationID(rid)
		if err != nil {
			return nil, fmt.Errorf("parse stored reservation id %q: %w", rid, err)
		}
		a.ReservationID = parsed
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSale(row rowScanner) (models.Sale, error) {
	var (
		sale  models.Sale
		rawID string
		rails pq.StringArray
	)
	err := row.Scan(
		&rawID, &sale.TokenSymbol, &sale.TotalSupply, &sale.Reserved, &sale.Confirmed,
		&sale.UnitPrice, &sale.PriceCurrency, &sale.StartsAt, &sale.EndsAt, &sale.Closed,
		&sale.KYCRequired, &sale.MinKYCTier, &rails, &sale.CreatedAt, &sale.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Sale{}, sentinel.ErrNotFound
		}
		return models.Sale{}, fmt.Errorf("scan sale: %w", err)
	}
	saleID, err := id.ParseSaleID(rawID)
	if err != nil {
		return models.Sale{}, fmt.Errorf("parse stored sale id %q: %w", rawID, err)
	}
	sale.ID = saleID
	sale.Rails = make([]models.Rail, 0, len(rails))
	for _, r := range rails {
		sale.Rails = append(sale.Rails, models.Rail(r))
	}
	return sale, nil
}

func (s *Store) scanReservation(row rowScanner) (models.Reservation, error) {
	var (
		r                                        models.Reservation
		rawID, rawSale, rawBuyer                 string
		evRail, evChain, evTx, evConf, evReceipt sql.NullString
		rejectReason                             sql.NullString
		resolvedAt                               sql.NullTime
		meta                                     []byte
	)
	err := row.Scan(
		&rawID, &rawSale, &rawBuyer, (*string)(&r.Rail), &r.Quantity,
		&r.Quote.SourceCurrency, &r.Quote.TargetAsset, &r.Quote.Rate, &r.Quote.Precision, &r.Quote.UnitPrice,
		&r.Quote.TotalCost, &r.Quote.FeeApplied, &r.Quote.ComputedAt,
		(*string)(&r.Status), &evRail, &evChain, &evTx, &evConf, &evReceipt,
		&rejectReason, &meta, &r.CreatedAt, &r.ExpiresAt, &resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Reservation{}, sentinel.ErrNotFound
		}
		return models.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}

	rid, err := id.ParseReservationID(rawID)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("parse stored reservation id %q: %w", rawID, err)
	}
	saleID, err := id.ParseSaleID(rawSale)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("parse stored sale id %q: %w", rawSale, err)
	}
	buyerID, err := id.ParseBuyerID(rawBuyer)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("parse stored buyer id %q: %w", rawBuyer, err)
	}
	r.ID, r.SaleID, r.BuyerID = rid, saleID, buyerID

	if evRail.Valid {
		r.Evidence = &models.Evidence{
			Rail:           models.Rail(evRail.String),
			ChainID:        evChain.String,
			TxHash:         evTx.String,
			ConfirmationID: evConf.String,
			ReceiptRef:     evReceipt.String,
		}
	}
	if rejectReason.Valid {
		r.RejectReason = rejectReason.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return models.Reservation{}, fmt.Errorf("decode reservation metadata: %w", err)
		}
	}
	return r, nil
}

func (s *Store) listReservations(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := s.scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
