// Package reconcile turns external settlement signals into reservation
// transitions: fiat processor webhooks and crypto chain polling both land
// here and drive the allocation engine.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"

	"salecore/internal/platform/metrics"
	"salecore/internal/sale/models"
)

// Engine is the slice of the allocation service the gateway drives.
type Engine interface {
	Confirm(ctx context.Context, rid id.ReservationID, evidence models.Evidence) (models.Reservation, error)
	Reject(ctx context.Context, rid id.ReservationID, reason string) (models.Reservation, error)
}

// Webhook event types emitted by the fiat payment processor.
const (
	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"
)

// WebhookEvent is the normalized processor payload.
type WebhookEvent struct {
	Type           string `json:"type"`
	ReservationID  string `json:"reservation_id"`
	ConfirmationID string `json:"confirmation_id"`
	ReceiptRef     string `json:"receipt_ref"`
	FailureReason  string `json:"failure_reason"`
}

// Gateway normalizes settlement signals and applies them to the engine.
// Duplicate deliveries are absorbed by the engine's idempotent transitions,
// so the gateway never tracks delivery state of its own.
type Gateway struct {
	engine  Engine
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewGateway(engine Engine, log *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{engine: engine, log: log, metrics: m}
}

// ProcessWebhook handles one raw processor delivery. Malformed or unknown
// payloads are acknowledged and logged rather than bounced: the processor
// retries forever on non-2xx, and a payload that failed to parse once will
// fail to parse every time.
func (g *Gateway) ProcessWebhook(ctx context.Context, body []byte) error {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		g.log.Warn("webhook payload not parseable, acknowledging", "error", err)
		g.metrics.WebhookProcessed("unparseable")
		return nil
	}

	rid, err := id.ParseReservationID(event.ReservationID)
	if err != nil {
		g.log.Warn("webhook carries invalid reservation id, acknowledging",
			"reservation_id", event.ReservationID, "type", event.Type)
		g.metrics.WebhookProcessed("invalid_reservation")
		return nil
	}

	switch event.Type {
	case EventPaymentSettled:
		evidence := models.Evidence{
			Rail:           models.RailFiat,
			ConfirmationID: event.ConfirmationID,
			ReceiptRef:     event.ReceiptRef,
		}
		_, err = g.engine.Confirm(ctx, rid, evidence)
	case EventPaymentFailed:
		reason := event.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		_, err = g.engine.Reject(ctx, rid, reason)
	default:
		g.log.Warn("webhook carries unknown event type, acknowledging",
			"type", event.Type, "reservation_id", event.ReservationID)
		g.metrics.WebhookProcessed("unknown_type")
		return nil
	}

	if err != nil {
		switch dErrors.CodeOf(err) {
		case dErrors.CodeReservationExpired:
			// Late settlement. The engine already recorded the anomaly;
			// acknowledge so the processor stops retrying.
			g.log.Warn("settlement arrived after expiry",
				"reservation_id", rid.String(), "type", event.Type)
			g.metrics.WebhookProcessed("late")
			return nil
		case dErrors.CodeAlreadyTerminal, dErrors.CodeInvalidEvidence:
			g.log.Warn("settlement not applicable, acknowledging",
				"reservation_id", rid.String(), "type", event.Type, "error", err)
			g.metrics.WebhookProcessed("not_applicable")
			return nil
		case dErrors.CodeNotFound:
			g.log.Warn("settlement for unknown reservation, acknowledging",
				"reservation_id", rid.String(), "type", event.Type)
			g.metrics.WebhookProcessed("unknown_reservation")
			return nil
		}
		g.metrics.WebhookProcessed("error")
		return fmt.Errorf("apply %s: %w", event.Type, err)
	}

	g.metrics.WebhookProcessed("applied")
	g.log.Info("settlement applied", "reservation_id", rid.String(), "type", event.Type)
	return nil
}
