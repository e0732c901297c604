package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/models"
)

// Archiver consumes candle events from Kafka and writes them to storage in
// batches. Offsets are committed only after a successful insert, so a crash
// between insert and commit re-delivers rather than loses rows.
type Archiver struct {
	reader  *kafka.Reader
	storage Storage
	logger  *slog.Logger
	cfg     configs.ArchiverConfig
}

// NewReader builds the Kafka reader for the candle-event topic.
func NewReader(cfg configs.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Broker},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// New creates an archiver draining reader into storage.
func New(reader *kafka.Reader, storage Storage, logger *slog.Logger, cfg configs.ArchiverConfig) *Archiver {
	return &Archiver{
		reader:  reader,
		storage: storage,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start runs the archive loop until the context is cancelled. The final
// partial batch is flushed on the way out.
func (a *Archiver) Start(ctx context.Context) error {
	a.logger.Info("Starting archiver", "batch_size", a.cfg.BatchSize)

	batch := make([]*models.CandleEvent, 0, a.cfg.BatchSize)
	msgs := make([]kafka.Message, 0, a.cfg.BatchSize)

	ticker := time.NewTicker(a.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		for {
			if err := a.storage.CreateCandles(ctx, batch); err != nil {
				a.logger.Error("DB insert failed, retrying", "error", err, "count", len(batch))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
					continue
				}
			}
			break
		}

		if err := a.reader.CommitMessages(ctx, msgs...); err != nil {
			a.logger.Warn("Failed to commit offsets", "error", err)
		}

		batch = batch[:0]
		msgs = msgs[:0]
		ticker.Reset(a.cfg.BatchTimeout)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return flush()

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		default:
			fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.BatchTimeout)
			m, err := a.reader.FetchMessage(fetchCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, context.Canceled) {
					return flush()
				}
				a.logger.Error("Kafka fetch error", "error", err)
				select {
				case <-ctx.Done():
					return flush()
				case <-time.After(time.Second):
				}
				continue
			}

			candle, err := parseMessage(m)
			if err != nil {
				a.logger.Debug("Dropping unparseable message", "error", err)
				continue
			}

			batch = append(batch, candle)
			msgs = append(msgs, m)

			if len(batch) >= a.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

// parseMessage deserializes and validates one mirrored candle event.
func parseMessage(msg kafka.Message) (*models.CandleEvent, error) {
	var candle models.CandleEvent
	if err := json.Unmarshal(msg.Value, &candle); err != nil {
		return nil, fmt.Errorf("decode candle event: %w", err)
	}

	if candle.Symbol == "" || candle.Interval == "" {
		return nil, fmt.Errorf("missing required fields")
	}
	if math.IsNaN(candle.Open) || math.IsInf(candle.Open, 0) ||
		math.IsNaN(candle.High) || math.IsInf(candle.High, 0) ||
		math.IsNaN(candle.Low) || math.IsInf(candle.Low, 0) ||
		math.IsNaN(candle.Close) || math.IsInf(candle.Close, 0) {
		return nil, fmt.Errorf("corrupted numeric data")
	}
	if candle.High < candle.Low {
		return nil, fmt.Errorf("invalid candle: high < low")
	}
	if candle.CloseTime <= 0 {
		return nil, fmt.Errorf("invalid close time %d", candle.CloseTime)
	}

	return &candle, nil
}
