// Package router matches normalized candle events against the subscription
// registry, collapses duplicate triggers, and hands prioritized alert
// batches to the dispatcher on a fixed tick.
package router

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/overloewner/trade-bot/internal/metrics"
	"github.com/overloewner/trade-bot/internal/models"
	"github.com/overloewner/trade-bot/internal/registry"
)

// Sink receives the ordered alert batch produced by one dispatch tick.
type Sink interface {
	Enqueue(msgs []*models.AlertMessage)
}

// Config holds router timing settings.
type Config struct {
	// Tick is the dispatch tick interval.
	Tick time.Duration

	// DedupTTL is how long a dispatched dedup key suppresses repeats.
	DedupTTL time.Duration
}

// Router consumes candle events and produces deduplicated AlertMessages.
type Router struct {
	cfg    Config
	reg    *registry.Registry
	events <-chan *models.CandleEvent
	sink   Sink
	logger *slog.Logger

	// seen records dispatched dedup keys until their TTL expires. Owned by
	// the Run goroutine, never shared.
	seen    map[models.DedupKey]time.Time
	pending []*models.AlertMessage
}

// New creates a router reading from events and flushing into sink.
func New(cfg Config, reg *registry.Registry, events <-chan *models.CandleEvent, sink Sink, logger *slog.Logger) *Router {
	return &Router{
		cfg:    cfg,
		reg:    reg,
		events: events,
		sink:   sink,
		logger: logger,
		seen:   make(map[models.DedupKey]time.Time),
	}
}

// Run processes events until the event channel closes or the context is
// cancelled. The final partial tick is flushed on the way out.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return

		case event, ok := <-r.events:
			if !ok {
				r.flush()
				return
			}
			r.match(event)

		case <-ticker.C:
			r.flush()

		case <-sweep.C:
			r.evict(time.Now())
		}
	}
}

// match builds at most one AlertMessage per user for the event, listing
// every triggering preset, and drops dedup-key repeats.
func (r *Router) match(event *models.CandleEvent) {
	matches := r.reg.Lookup(event.Symbol, event.Interval)
	if len(matches) == 0 {
		return
	}

	change := event.PercentChange
	if change < 0 {
		change = -change
	}

	// Bucket order is (user id, preset id), so one forward pass groups all
	// of a user's triggered presets together.
	var current *models.AlertMessage
	var dupUser int64
	haveDup := false
	for _, m := range matches {
		if m.Threshold > change {
			continue
		}

		if current != nil && current.UserID == m.UserID {
			current.PresetNames = append(current.PresetNames, m.PresetName)
			continue
		}
		if haveDup && dupUser == m.UserID {
			continue
		}

		key := models.DedupKey{
			UserID:    m.UserID,
			Symbol:    event.Symbol,
			Interval:  event.Interval,
			CloseTime: event.CloseTime,
		}
		if _, dup := r.seen[key]; dup {
			metrics.AlertsDeduped.Inc()
			haveDup, dupUser = true, m.UserID
			current = nil
			continue
		}

		current = &models.AlertMessage{
			UserID:        m.UserID,
			Symbol:        event.Symbol,
			Interval:      event.Interval,
			Price:         event.Close,
			PercentChange: event.PercentChange,
			CloseTime:     event.CloseTime,
			PresetNames:   []string{m.PresetName},
			CreatedAt:     time.Now(),
		}
		r.seen[key] = time.Now()
		r.pending = append(r.pending, current)
		metrics.AlertsMatched.Inc()
	}
}

// flush orders the tick's candidates by priority descending (ties broken by
// symbol then interval for determinism) and hands them to the dispatcher.
func (r *Router) flush() {
	if len(r.pending) == 0 {
		return
	}

	sort.SliceStable(r.pending, func(i, j int) bool {
		pi, pj := r.pending[i].Priority(), r.pending[j].Priority()
		if pi != pj {
			return pi > pj
		}
		if r.pending[i].Symbol != r.pending[j].Symbol {
			return r.pending[i].Symbol < r.pending[j].Symbol
		}
		return r.pending[i].Interval < r.pending[j].Interval
	})

	r.sink.Enqueue(r.pending)
	r.pending = nil
}

// evict forgets dedup keys older than the TTL.
func (r *Router) evict(now time.Time) {
	for key, at := range r.seen {
		if now.Sub(at) > r.cfg.DedupTTL {
			delete(r.seen, key)
		}
	}
}
