// Package normalizer turns raw stream frames into candle-close events. A
// fixed-size worker pool drains the hand-off channel in micro-batches to
// sustain the ingestion throughput target.
package normalizer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/binance"
	"github.com/overloewner/trade-bot/internal/metrics"
	"github.com/overloewner/trade-bot/internal/models"
)

// Normalizer filters closed bars out of the raw frame stream, computes the
// percent change, and emits normalized events.
type Normalizer struct {
	cfg    configs.NormalizerConfig
	frames <-chan []byte
	events chan *models.CandleEvent
	mirror *Mirror
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a normalizer reading from frames. mirror may be nil to
// disable the Kafka candle-event mirror.
func New(cfg configs.NormalizerConfig, frames <-chan []byte, mirror *Mirror, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		cfg:    cfg,
		frames: frames,
		events: make(chan *models.CandleEvent, cfg.EventBuffer),
		mirror: mirror,
		logger: logger,
	}
}

// Events is the bounded channel of normalized candle-close events. It is
// closed after the frame channel closes and every worker has drained.
func (n *Normalizer) Events() <-chan *models.CandleEvent {
	return n.events
}

// Run starts the worker pool and blocks until the frame channel is closed
// or the context is cancelled.
func (n *Normalizer) Run(ctx context.Context) {
	n.logger.Info("Starting normalizer",
		"workers", n.cfg.WorkerCount,
		"batch_size", n.cfg.BatchSize,
	)

	for i := 0; i < n.cfg.WorkerCount; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.worker(ctx)
		}()
	}

	n.wg.Wait()
	close(n.events)
	n.logger.Info("Normalizer stopped")
}

// worker drains frames in micro-batches: up to BatchSize frames or
// BatchTimeout since the first frame, whichever comes first.
func (n *Normalizer) worker(ctx context.Context) {
	batch := make([][]byte, 0, n.cfg.BatchSize)

	for {
		batch = batch[:0]

		select {
		case <-ctx.Done():
			return
		case frame, ok := <-n.frames:
			if !ok {
				return
			}
			batch = append(batch, frame)
		}

		timer := time.NewTimer(n.cfg.BatchTimeout)
	fill:
		for len(batch) < n.cfg.BatchSize {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case frame, ok := <-n.frames:
				if !ok {
					break fill
				}
				batch = append(batch, frame)
			case <-timer.C:
				break fill
			}
		}
		timer.Stop()

		n.processBatch(ctx, batch)
	}
}

// processBatch parses each frame and emits closed-bar events. Malformed
// frames are counted and skipped; this path has no user-visible error.
func (n *Normalizer) processBatch(ctx context.Context, batch [][]byte) {
	var mirrored []*models.CandleEvent

	for _, frame := range batch {
		event, err := binance.ParseKlineFrame(frame)
		if err != nil {
			metrics.MalformedFrames.Inc()
			n.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}
		if event == nil {
			// In-progress bar or control message.
			continue
		}

		metrics.CandlesProcessed.Inc()
		select {
		case n.events <- event:
		case <-ctx.Done():
			return
		}

		if n.mirror != nil {
			mirrored = append(mirrored, event)
		}
	}

	if n.mirror != nil && len(mirrored) > 0 {
		if err := n.mirror.Publish(ctx, mirrored); err != nil {
			n.logger.Error("Candle mirror publish failed", "error", err)
		}
	}
}
