// Package service wires the pipeline together: recovery store, subscription
// registry, stream manager, normalizer, router, and dispatcher. It owns the
// startup order (hydrate before any subscription opens) and the graceful
// shutdown order (stop intake, drain queues, flush buffered writes).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/binance"
	"github.com/overloewner/trade-bot/internal/dispatch"
	"github.com/overloewner/trade-bot/internal/models"
	"github.com/overloewner/trade-bot/internal/normalizer"
	"github.com/overloewner/trade-bot/internal/notify"
	"github.com/overloewner/trade-bot/internal/registry"
	"github.com/overloewner/trade-bot/internal/router"
	"github.com/overloewner/trade-bot/internal/store"
	"github.com/overloewner/trade-bot/internal/stream"
)

// drainTimeout bounds how long shutdown waits for queued alerts to deliver.
const drainTimeout = 15 * time.Second

// Service runs the alert pipeline and serves preset commands.
type Service struct {
	cfg      *configs.AppConfig
	store    *store.Buffered
	registry *registry.Registry
	notifier notify.Notifier
	logger   *slog.Logger

	mu         sync.Mutex
	manager    *stream.Manager
	dispatcher *dispatch.Dispatcher
}

// New assembles a service around the given store and notifier.
func New(cfg *configs.AppConfig, st *store.Buffered, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		registry: registry.New(cfg.Registry),
		notifier: notifier,
		logger:   logger,
	}
}

// Run hydrates the registry, opens the streaming pipeline, and blocks until
// the context is cancelled and shutdown completes.
func (s *Service) Run(ctx context.Context) error {
	presets, err := s.store.LoadActivePresets(ctx)
	if err != nil {
		return fmt.Errorf("load presets for hydration: %w", err)
	}
	if err := s.registry.Hydrate(presets); err != nil {
		return fmt.Errorf("hydrate registry: %w", err)
	}
	s.logger.Info("Registry hydrated", "presets", len(presets))

	channels, err := s.subscriptionSet(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Resolved subscription set", "channels", len(channels))

	manager := stream.NewManager(s.cfg.Stream, channels, s.logger)

	var mirror *normalizer.Mirror
	if s.cfg.Kafka.Enabled {
		mirror = normalizer.NewMirror(s.cfg.Kafka, s.logger)
		defer mirror.Close()
	}
	norm := normalizer.New(s.cfg.Normalizer, manager.Frames(), mirror, s.logger)

	dispatcher := dispatch.New(s.cfg.Dispatch, s.notifier, s.logger)
	rt := router.New(router.Config{
		Tick:     s.cfg.Dispatch.Tick,
		DedupTTL: s.cfg.Dispatch.DedupTTL,
	}, s.registry, norm.Events(), dispatcher, s.logger)

	s.mu.Lock()
	s.manager = manager
	s.dispatcher = dispatcher
	s.mu.Unlock()

	// The dispatcher outlives the signal context so Drain can finish
	// delivery after producers stop.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(dispatchCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.store.Run(ctx)
	}()

	// The normalizer and router shut down by channel close, not context
	// cancellation, so in-flight frames drain instead of being dropped.
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		rt.Run(context.WithoutCancel(ctx))
	}()
	normDone := make(chan struct{})
	go func() {
		defer close(normDone)
		norm.Run(context.WithoutCancel(ctx))
	}()

	// Blocks until cancellation closes every shard and the frame channel.
	manager.Run(ctx)

	<-normDone
	<-routerDone

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	dispatcher.Drain(drainCtx)
	cancel()
	stopDispatch()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	s.store.Flush(flushCtx)
	cancel()

	wg.Wait()
	s.logger.Info("Service stopped")
	return nil
}

// subscriptionSet resolves which channels the stream layer opens: the full
// exchange universe crossed with every supported interval, or only the
// channels active presets require.
func (s *Service) subscriptionSet(ctx context.Context) ([]models.Channel, error) {
	if !s.cfg.Stream.FullUniverse {
		return s.registry.Channels(), nil
	}

	api := binance.NewAPIClient(s.cfg.Stream.APIURL, 1)
	symbols, err := api.FetchSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch symbol universe: %w", err)
	}

	channels := make([]models.Channel, 0, len(symbols)*len(configs.SupportedIntervals))
	for _, symbol := range symbols {
		for _, interval := range configs.SupportedIntervals {
			channels = append(channels, models.Channel{Symbol: symbol, Interval: interval})
		}
	}
	return channels, nil
}

// CreatePreset persists a new preset (the store assigns the id) and
// registers it. A registry rejection rolls the insert back.
func (s *Service) CreatePreset(ctx context.Context, p *models.Preset) error {
	if p.ID != 0 {
		return fmt.Errorf("%w: id must be unassigned", registry.ErrInvalidPreset)
	}

	if err := s.store.UpsertPreset(ctx, p); err != nil {
		return fmt.Errorf("persist preset: %w", err)
	}

	if err := s.registry.AddPreset(p); err != nil {
		if delErr := s.store.DeletePreset(ctx, p.ID); delErr != nil {
			s.logger.Error("Rollback of rejected preset failed",
				"preset", p.ID,
				"error", delErr,
			)
		}
		return err
	}
	return nil
}

// UpdatePreset replaces an existing preset. The registry is authoritative,
// so it is updated first; persistence failures are buffered by the store.
func (s *Service) UpdatePreset(ctx context.Context, p *models.Preset) error {
	if _, err := s.registry.Preset(p.ID); err != nil {
		return err
	}
	if err := s.registry.AddPreset(p); err != nil {
		return err
	}
	return s.store.UpsertPreset(ctx, p)
}

// SetActive toggles a preset's matching eligibility.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	if err := s.registry.SetActive(id, active); err != nil {
		return err
	}
	p, err := s.registry.Preset(id)
	if err != nil {
		return err
	}
	return s.store.UpsertPreset(ctx, &p)
}

// DeletePreset removes a preset from the registry and the store.
func (s *Service) DeletePreset(ctx context.Context, id int64) error {
	if err := s.registry.RemovePreset(id); err != nil {
		return err
	}
	return s.store.DeletePreset(ctx, id)
}

// Preset returns a copy of the stored preset.
func (s *Service) Preset(id int64) (models.Preset, error) {
	return s.registry.Preset(id)
}

// Stats is the ops-surface snapshot of pipeline state.
type Stats struct {
	Presets        int            `json:"presets"`
	ActiveChannels int            `json:"active_channels"`
	ShardStates    map[int]string `json:"shard_states,omitempty"`
	QueueDepths    map[int64]int  `json:"queue_depths,omitempty"`
	BufferedWrites int            `json:"buffered_writes"`
}

// Stats reports current pipeline state for the ops endpoint.
func (s *Service) Stats() Stats {
	stats := Stats{BufferedWrites: s.store.Depth()}
	stats.Presets, stats.ActiveChannels = s.registry.Stats()

	s.mu.Lock()
	manager, dispatcher := s.manager, s.dispatcher
	s.mu.Unlock()

	if manager != nil {
		stats.ShardStates = manager.States()
	}
	if dispatcher != nil {
		stats.QueueDepths = dispatcher.QueueDepths()
	}
	return stats
}

// StreamHealth implements the stream health check. Before the pipeline is
// up it reports healthy; the check covers shard subscription state only.
func (s *Service) StreamHealth(ctx context.Context) error {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()

	if manager == nil {
		return nil
	}
	return manager.Health(ctx)
}

// VerifyRegistry runs the registry consistency check and, on inconsistency,
// reloads the preset table from the store.
func (s *Service) VerifyRegistry(ctx context.Context) error {
	err := s.registry.Verify()
	if err == nil {
		return nil
	}
	if !errors.Is(err, registry.ErrInconsistent) {
		return err
	}

	s.logger.Error("Registry inconsistency detected, reloading from store", "error", err)
	presets, loadErr := s.store.LoadActivePresets(ctx)
	if loadErr != nil {
		return fmt.Errorf("reload after inconsistency: %w", loadErr)
	}
	if hydrateErr := s.registry.Hydrate(presets); hydrateErr != nil {
		return fmt.Errorf("rehydrate after inconsistency: %w", hydrateErr)
	}
	return err
}
