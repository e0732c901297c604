package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/overloewner/trade-bot/internal/metrics"
	"github.com/overloewner/trade-bot/internal/models"
)

const flushInterval = 30 * time.Second

// Buffered decorates a RecoveryStore so that an unreachable store delays
// durability instead of failing registry mutations. Failed writes are
// buffered in order and replayed in the background; the in-memory registry
// stays authoritative and is never rolled back. Durability being at risk is
// alarmed through the log and the buffer-depth gauge.
//
// Creates (upserts without an id) are the exception: they need the store to
// assign the id, so they fail fast instead of buffering.
type Buffered struct {
	inner  RecoveryStore
	logger *slog.Logger

	// replay serializes write-through against buffer replay. While older
	// mutations await replay, newer ones append behind them instead of
	// writing through, so a replayed mutation can never overwrite a newer
	// durable write.
	replay sync.Mutex

	mu      sync.Mutex
	pending []mutation
}

type mutation struct {
	preset *models.Preset // nil for deletes
	delete int64
}

// NewBuffered wraps inner with mutation buffering.
func NewBuffered(inner RecoveryStore, logger *slog.Logger) *Buffered {
	return &Buffered{inner: inner, logger: logger}
}

// LoadActivePresets passes through; hydration has no buffering fallback.
func (b *Buffered) LoadActivePresets(ctx context.Context) ([]models.Preset, error) {
	return b.inner.LoadActivePresets(ctx)
}

// UpsertPreset writes through, buffering on unavailability. While replay
// is pending, updates for existing presets queue behind it to preserve
// mutation order; creates still write through since the store must assign
// their id and no buffered mutation can reference it yet.
func (b *Buffered) UpsertPreset(ctx context.Context, p *models.Preset) error {
	b.replay.Lock()
	defer b.replay.Unlock()

	if p.ID != 0 && b.Depth() > 0 {
		clone := *p
		b.buffer(mutation{preset: &clone})
		b.logger.Warn("Store replay pending, queueing preset mutation behind it", "preset", p.ID)
		return nil
	}

	err := b.inner.UpsertPreset(ctx, p)
	if err == nil {
		return nil
	}
	if p.ID == 0 || !errors.Is(err, ErrUnavailable) {
		return err
	}

	clone := *p
	b.buffer(mutation{preset: &clone})
	b.logger.Error("Store unavailable, preset mutation buffered; durability at risk",
		"preset", p.ID,
		"error", err,
	)
	return nil
}

// DeletePreset writes through, buffering on unavailability. Deletes queue
// behind a pending replay for the same ordering reason as updates.
func (b *Buffered) DeletePreset(ctx context.Context, id int64) error {
	b.replay.Lock()
	defer b.replay.Unlock()

	if b.Depth() > 0 {
		b.buffer(mutation{delete: id})
		b.logger.Warn("Store replay pending, queueing preset delete behind it", "preset", id)
		return nil
	}

	err := b.inner.DeletePreset(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return err
	}

	b.buffer(mutation{delete: id})
	b.logger.Error("Store unavailable, preset delete buffered; durability at risk",
		"preset", id,
		"error", err,
	)
	return nil
}

// Close closes the underlying store.
func (b *Buffered) Close() {
	b.inner.Close()
}

// Run replays buffered mutations periodically until the context ends.
func (b *Buffered) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush replays buffered mutations in order, stopping at the first
// failure so ordering is preserved. Called on the retry ticker and during
// graceful shutdown. Write-through is blocked for the duration, so no new
// mutation can slip ahead of the replayed backlog.
func (b *Buffered) Flush(ctx context.Context) {
	b.replay.Lock()
	defer b.replay.Unlock()

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	for i, m := range pending {
		var err error
		if m.preset != nil {
			err = b.inner.UpsertPreset(ctx, m.preset)
		} else {
			err = b.inner.DeletePreset(ctx, m.delete)
		}
		if err != nil {
			b.mu.Lock()
			b.pending = append(pending[i:], b.pending...)
			depth := len(b.pending)
			b.mu.Unlock()
			metrics.StoreBufferDepth.Set(float64(depth))
			b.logger.Warn("Store still unavailable, keeping buffered mutations",
				"remaining", depth,
				"error", err,
			)
			return
		}
	}

	metrics.StoreBufferDepth.Set(float64(b.Depth()))
	b.logger.Info("Replayed buffered store mutations", "count", len(pending))
}

// Depth reports how many mutations await replay.
func (b *Buffered) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffered) buffer(m mutation) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	depth := len(b.pending)
	b.mu.Unlock()
	metrics.StoreBufferDepth.Set(float64(depth))
}
