// Package stream owns the pool of exchange streaming connections. It
// partitions the subscribed channel set across shards, keeps every shard
// connected, and hands raw frames to the normalizer over a bounded channel.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/metrics"
	"github.com/overloewner/trade-bot/internal/models"
)

// Manager runs one reader goroutine per shard and owns the raw-frame
// hand-off channel consumed by the normalizer.
type Manager struct {
	cfg    configs.StreamConfig
	logger *slog.Logger

	// subLimiter paces SUBSCRIBE frames across all shards; the provider
	// limit applies per endpoint, not per connection.
	subLimiter *rate.Limiter

	frames chan []byte
	shards []*shard
	wg     sync.WaitGroup
}

// NewManager partitions channels into shards and prepares the hand-off
// channel. Run must be called to open connections.
func NewManager(cfg configs.StreamConfig, channels []models.Channel, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		subLimiter: rate.NewLimiter(rate.Limit(cfg.SubscribePerSecond), 1),
		frames:     make(chan []byte, cfg.FrameBuffer),
	}

	for i, assignment := range PartitionChannels(channels, cfg.ChannelCap) {
		m.shards = append(m.shards, newShard(i, assignment, m))
	}
	return m
}

// Frames is the bounded hand-off channel of raw frames. It is closed after
// every shard reader has exited.
func (m *Manager) Frames() <-chan []byte {
	return m.frames
}

// ShardCount returns the number of connections the channel set required.
func (m *Manager) ShardCount() int {
	return len(m.shards)
}

// Run opens every shard connection and blocks until the context is
// cancelled and all readers have stopped.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Starting stream manager",
		"shards", len(m.shards),
		"channel_cap", m.cfg.ChannelCap,
	)

	for i, s := range m.shards {
		m.wg.Add(1)
		go func(s *shard) {
			defer m.wg.Done()
			s.run(ctx)
		}(s)

		// Stagger shard dials so the provider sees a ramp, not a burst.
		if i < len(m.shards)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}

	m.wg.Wait()
	close(m.frames)
	m.logger.Info("Stream manager stopped")
}

// enqueue applies the backpressure policy: try a non-blocking send, then
// block up to EnqueueTimeout, then drop the oldest frame and count it. The
// socket reader is never stalled past the timeout, since a stalled reader
// risks a provider-side disconnect.
func (m *Manager) enqueue(ctx context.Context, frame []byte) {
	select {
	case m.frames <- frame:
		return
	default:
	}

	timer := time.NewTimer(m.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case m.frames <- frame:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	select {
	case <-m.frames:
		metrics.FramesDropped.Inc()
	default:
	}
	select {
	case m.frames <- frame:
	default:
		metrics.FramesDropped.Inc()
	}
}

// States reports every shard's connection state, keyed by shard id.
func (m *Manager) States() map[int]string {
	states := make(map[int]string, len(m.shards))
	for _, s := range m.shards {
		states[s.id] = s.State().String()
	}
	return states
}

// Health implements the health-monitor check: an error escalates when any
// shard is not fully subscribed. Degraded shards still deliver data, so the
// signal is observability, never a crash.
func (m *Manager) Health(context.Context) error {
	for _, s := range m.shards {
		if state := s.State(); state != StateSubscribed {
			return fmt.Errorf("shard %d is %s", s.id, state)
		}
	}
	return nil
}
