// Package dispatch delivers alert batches through the notification channel
// under a shared global token bucket and optional per-user pacing, with
// round-robin fairness across user queues.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/metrics"
	"github.com/overloewner/trade-bot/internal/models"
	"github.com/overloewner/trade-bot/internal/notify"
)

// Dispatcher owns one outbound queue per user. Queues are mutated only
// through its methods; the delivery loop round-robins across them so no
// user's backlog can starve another's delivery.
type Dispatcher struct {
	cfg      configs.DispatchConfig
	notifier notify.Notifier
	logger   *slog.Logger

	// global is the shared outbound token bucket. Burst is kept at 1 so no
	// rolling one-second window ever exceeds the configured rate.
	global *rate.Limiter

	mu     sync.Mutex
	queues map[int64]*userQueue
	order  []int64
	rrPos  int

	retries sync.WaitGroup
}

// userQueue holds one user's backlog, sorted by priority descending, plus
// the user's pacing limiter.
type userQueue struct {
	msgs  []*models.AlertMessage
	pacer *rate.Limiter
}

// New creates a dispatcher delivering through notifier.
func New(cfg configs.DispatchConfig, notifier notify.Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		global:   rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), 1),
		queues:   make(map[int64]*userQueue),
	}
}

// Enqueue adds a tick's alert batch to the per-user queues, shedding the
// lowest-priority messages of any queue that exceeds the depth limit.
func (d *Dispatcher) Enqueue(msgs []*models.AlertMessage) {
	if len(msgs) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, msg := range msgs {
		q, ok := d.queues[msg.UserID]
		if !ok {
			q = &userQueue{}
			if d.cfg.UserPerMinute > 0 {
				q.pacer = rate.NewLimiter(rate.Limit(float64(d.cfg.UserPerMinute)/60), d.cfg.UserPerMinute)
			}
			d.queues[msg.UserID] = q
			d.order = append(d.order, msg.UserID)
		}
		q.msgs = append(q.msgs, msg)
	}

	for _, msg := range msgs {
		q := d.queues[msg.UserID]
		if len(q.msgs) < 2 {
			continue
		}
		sort.SliceStable(q.msgs, func(i, j int) bool {
			return q.msgs[i].Priority() > q.msgs[j].Priority()
		})
		// Shedding favors large, rare moves over frequent small ones.
		if over := len(q.msgs) - d.cfg.QueueDepthLimit; over > 0 {
			q.msgs = q.msgs[:d.cfg.QueueDepthLimit]
			metrics.AlertsDropped.WithLabelValues("shed").Add(float64(over))
			d.logger.Warn("Queue depth exceeded, shedding lowest-priority alerts",
				"user", msg.UserID,
				"dropped", over,
			)
		}
	}

	metrics.QueueDepth.Set(float64(d.depthLocked()))
}

// Run delivers queued alerts on a fixed tick until the context is
// cancelled, then waits for in-flight retries.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Starting dispatcher",
		"global_rate", d.cfg.GlobalPerSecond,
		"tick", d.cfg.Tick,
	)

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.retries.Wait()
			d.logger.Info("Dispatcher stopped")
			return
		case <-ticker.C:
			d.deliverTick(ctx)
		}
	}
}

// Drain keeps delivering until every queue is empty or the context
// expires. Called during graceful shutdown after producers have stopped.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		d.mu.Lock()
		depth := d.depthLocked()
		d.mu.Unlock()
		if depth == 0 {
			break
		}

		select {
		case <-ctx.Done():
			d.logger.Warn("Drain deadline reached with alerts still queued", "remaining", depth)
			return
		case <-time.After(d.cfg.Tick):
			d.deliverTick(ctx)
		}
	}
	d.retries.Wait()
}

// deliverTick walks the user queues round-robin, popping up to one payload
// batch per user, and sends under the global bucket. Token waits are
// bounded by the tick so the loop never blocks indefinitely.
func (d *Dispatcher) deliverTick(ctx context.Context) {
	for range d.userCount() {
		userID, batch, ok := d.nextBatch()
		if !ok {
			break
		}

		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Tick)
		err := d.global.Wait(waitCtx)
		cancel()
		if err != nil {
			// Out of tokens for this tick; requeue and try next tick.
			d.requeue(userID, batch)
			break
		}

		d.send(ctx, userID, batch, 1)
	}

	d.mu.Lock()
	metrics.QueueDepth.Set(float64(d.depthLocked()))
	d.mu.Unlock()
}

// nextBatch pops the next ready user's payload batch in round-robin order.
// Users whose pacing limiter has no token are skipped, not removed.
func (d *Dispatcher) nextBatch() (int64, []*models.AlertMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < len(d.order); i++ {
		d.rrPos = (d.rrPos + 1) % len(d.order)
		userID := d.order[d.rrPos]
		q := d.queues[userID]
		if len(q.msgs) == 0 {
			continue
		}
		if q.pacer != nil && !q.pacer.Allow() {
			continue
		}

		n := min(len(q.msgs), d.cfg.PayloadBatchSize)
		batch := q.msgs[:n]
		q.msgs = q.msgs[n:]
		return userID, batch, true
	}
	return 0, nil, false
}

// requeue puts an unsent batch back at the head of the user's queue.
func (d *Dispatcher) requeue(userID int64, batch []*models.AlertMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[userID]
	if !ok {
		return
	}
	q.msgs = append(batch, q.msgs...)
}

// send delivers one payload and handles the retry policy. Throttled sends
// retry in their own goroutine with exponential backoff so other users'
// delivery is never blocked.
func (d *Dispatcher) send(ctx context.Context, userID int64, batch []*models.AlertMessage, attempt int) {
	payload := notify.FormatAlerts(batch)
	result, err := d.notifier.Send(ctx, userID, payload)

	switch result {
	case notify.ResultSent:
		metrics.AlertsSent.Add(float64(len(batch)))
		return

	case notify.ResultPermanentFailure:
		metrics.AlertsDropped.WithLabelValues("permanent").Add(float64(len(batch)))
		d.logger.Error("Delivery failed permanently",
			"user", userID,
			"alerts", len(batch),
			"error", err,
		)
		return

	case notify.ResultThrottled:
		if attempt >= d.cfg.RetryAttempts {
			metrics.AlertsDropped.WithLabelValues("retry_exhausted").Add(float64(len(batch)))
			d.logger.Warn("Delivery retries exhausted, dropping alerts",
				"user", userID,
				"alerts", len(batch),
				"attempts", attempt,
				"error", err,
			)
			return
		}

		backoff := d.cfg.RetryBase << (attempt - 1)
		d.retries.Add(1)
		go func() {
			defer d.retries.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Tick)
			err := d.global.Wait(waitCtx)
			cancel()
			if err != nil {
				// No token within the bound; back onto the queue rather
				// than waiting indefinitely.
				d.requeue(userID, batch)
				return
			}
			d.send(ctx, userID, batch, attempt+1)
		}()
	}
}

// QueueDepths reports per-user backlog sizes for the ops surface.
func (d *Dispatcher) QueueDepths() map[int64]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	depths := make(map[int64]int, len(d.queues))
	for userID, q := range d.queues {
		if len(q.msgs) > 0 {
			depths[userID] = len(q.msgs)
		}
	}
	return depths
}

func (d *Dispatcher) userCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *Dispatcher) depthLocked() int {
	total := 0
	for _, q := range d.queues {
		total += len(q.msgs)
	}
	return total
}
