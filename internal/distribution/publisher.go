// Package distribution publishes distribution intents for confirmed
// purchases. The durable record is the distributions table; the Kafka
// message is a delivery nudge for the downstream transfer workers, so a
// failed publish is logged and retried by reconciliation tooling rather
// than failing the confirmation.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"salecore/internal/sale/models"
)

// Intent is the wire form of a distribution intent message.
type Intent struct {
	ReservationID string          `json:"reservation_id"`
	SaleID        string          `json:"sale_id"`
	BuyerID       string          `json:"buyer_id"`
	TokenSymbol   string          `json:"token_symbol"`
	Destination   string          `json:"destination"`
	Quantity      decimal.Decimal `json:"quantity"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Publisher emits distribution intents to a Kafka topic, keyed by
// reservation ID so redeliveries of the same reservation stay ordered.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewPublisher connects to the brokers and ensures the topic exists.
func NewPublisher(ctx context.Context, brokers []string, topic string, log *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	if err := ensureTopic(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}
	return &Publisher{client: client, topic: topic, log: log}, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, res.Err)
		}
	}
	return nil
}

// Publish produces one intent message and waits for the broker ack.
func (p *Publisher) Publish(ctx context.Context, d models.Distribution) error {
	payload, err := json.Marshal(Intent{
		ReservationID: d.ReservationID.String(),
		SaleID:        d.SaleID.String(),
		BuyerID:       d.BuyerID.String(),
		TokenSymbol:   d.TokenSymbol,
		Destination:   d.Destination,
		Quantity:      d.Quantity,
		CreatedAt:     d.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode distribution intent: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(d.ReservationID.String()),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce distribution intent: %w", err)
	}
	p.log.Info("distribution intent published",
		"reservation_id", d.ReservationID.String(),
		"token_symbol", d.TokenSymbol,
	)
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// NopPublisher drops intents. Used when no brokers are configured; the
// distributions table remains the durable record either way.
type NopPublisher struct {
	log *slog.Logger
}

func NewNop(log *slog.Logger) *NopPublisher {
	return &NopPublisher{log: log}
}

func (p *NopPublisher) Publish(_ context.Context, d models.Distribution) error {
	p.log.Warn("no broker configured, distribution intent not published",
		"reservation_id", d.ReservationID.String(),
	)
	return nil
}

func (p *NopPublisher) Close() {}
