// Package archive consumes mirrored candle events from Kafka and persists
// them to ClickHouse for offline analytics.
package archive

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/overloewner/trade-bot/internal/models"
)

// Storage persists candle-event batches. Implementations must be safe for
// concurrent use.
type Storage interface {
	// CreateCandles inserts a batch of candle events.
	CreateCandles(ctx context.Context, candles []*models.CandleEvent) error

	// Close releases database connection resources.
	Close() error
}

// clickhouseStorage implements Storage over the native ClickHouse driver.
// Batch inserts are significantly faster than row-at-a-time for ClickHouse.
type clickhouseStorage struct {
	conn driver.Conn
}

// NewClickHouseStorage opens a ClickHouse connection and verifies it with a
// ping bounded at 5 seconds.
func NewClickHouseStorage(dsn string) (Storage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	return &clickhouseStorage{conn: conn}, nil
}

// CreateCandles inserts candle rows using a ClickHouse batch insert. All
// rows in the batch share the same inserted_at timestamp.
func (s *clickhouseStorage) CreateCandles(ctx context.Context, candles []*models.CandleEvent) error {
	if len(candles) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candle (
			symbol, interval,
			open, high, low, close, volume, percent_change,
			close_time, inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, c := range candles {
		err := batch.Append(
			c.Symbol,
			c.Interval,
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.PercentChange,
			time.UnixMilli(c.CloseTime),
			now,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// Close closes the ClickHouse connection.
func (s *clickhouseStorage) Close() error {
	return s.conn.Close()
}
