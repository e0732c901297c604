package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/models"
)

const mirrorWriteTimeout = 5 * time.Second

// Mirror publishes normalized candle events to Kafka for the archiver.
// Publishing is bounded by a write timeout so a slow broker can delay but
// never wedge the normalization path.
type Mirror struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewMirror creates a Kafka mirror for the configured topic.
func NewMirror(cfg configs.KafkaConfig, logger *slog.Logger) *Mirror {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Broker),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return &Mirror{writer: writer, logger: logger}
}

// Publish writes a batch of candle events keyed by symbol.
func (m *Mirror) Publish(ctx context.Context, events []*models.CandleEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("serialize candle event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(event.Symbol),
			Value: value,
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()

	if err := m.writer.WriteMessages(writeCtx, msgs...); err != nil && ctx.Err() == nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (m *Mirror) Close() error {
	return m.writer.Close()
}
