package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/models"
	"github.com/overloewner/trade-bot/internal/notify"
)

type fakeNotifier struct {
	mu      sync.Mutex
	sends   []int64
	sentAt  []time.Time
	results map[int64]notify.Result
}

func (f *fakeNotifier) Send(_ context.Context, userID int64, _ string) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, userID)
	f.sentAt = append(f.sentAt, time.Now())
	if r, ok := f.results[userID]; ok {
		return r, nil
	}
	return notify.ResultSent, nil
}

func (f *fakeNotifier) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func testConfig() configs.DispatchConfig {
	return configs.DispatchConfig{
		GlobalPerSecond:  1000,
		UserPerMinute:    0,
		Tick:             10 * time.Millisecond,
		PayloadBatchSize: 50,
		QueueDepthLimit:  200,
		RetryAttempts:    1,
		RetryBase:        time.Millisecond,
	}
}

func alert(userID int64, symbol string, change float64) *models.AlertMessage {
	return &models.AlertMessage{
		UserID:        userID,
		Symbol:        symbol,
		Interval:      "1m",
		Price:         100,
		PercentChange: change,
		CreatedAt:     time.Now(),
	}
}

func TestEnqueueShedsLowestPriority(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepthLimit = 2
	d := New(cfg, &fakeNotifier{}, slog.Default())

	d.Enqueue([]*models.AlertMessage{
		alert(1, "AAAUSDT", 2),
		alert(1, "BBBUSDT", 9),
		alert(1, "CCCUSDT", 5),
	})

	d.mu.Lock()
	q := d.queues[1]
	d.mu.Unlock()

	if len(q.msgs) != 2 {
		t.Fatalf("Expected queue trimmed to 2, got %d", len(q.msgs))
	}
	if q.msgs[0].Symbol != "BBBUSDT" || q.msgs[1].Symbol != "CCCUSDT" {
		t.Errorf("Expected highest-priority alerts kept, got %s, %s",
			q.msgs[0].Symbol, q.msgs[1].Symbol)
	}
}

func TestDeliverTickRoundRobin(t *testing.T) {
	notifier := &fakeNotifier{}
	d := New(testConfig(), notifier, slog.Default())

	d.Enqueue([]*models.AlertMessage{
		alert(1, "BTCUSDT", 3),
		alert(2, "BTCUSDT", 3),
		alert(3, "BTCUSDT", 3),
	})

	d.deliverTick(context.Background())

	if got := notifier.sendCount(); got != 3 {
		t.Fatalf("Expected one send per user, got %d", got)
	}
	seen := make(map[int64]bool)
	for _, userID := range notifier.sends {
		if seen[userID] {
			t.Errorf("User %d sent twice in one tick", userID)
		}
		seen[userID] = true
	}
}

func TestDeliverTickBatchesPerUser(t *testing.T) {
	cfg := testConfig()
	cfg.PayloadBatchSize = 2
	notifier := &fakeNotifier{}
	d := New(cfg, notifier, slog.Default())

	d.Enqueue([]*models.AlertMessage{
		alert(1, "BTCUSDT", 3),
		alert(1, "ETHUSDT", 4),
		alert(1, "XRPUSDT", 5),
	})

	// One tick pops at most one payload batch for the user.
	d.deliverTick(context.Background())
	if got := notifier.sendCount(); got != 1 {
		t.Fatalf("Expected 1 payload, got %d", got)
	}

	d.mu.Lock()
	remaining := len(d.queues[1].msgs)
	d.mu.Unlock()
	if remaining != 1 {
		t.Errorf("Expected 1 alert left queued, got %d", remaining)
	}
}

func TestDrainEmptiesQueues(t *testing.T) {
	notifier := &fakeNotifier{}
	d := New(testConfig(), notifier, slog.Default())

	var msgs []*models.AlertMessage
	for i := range 120 {
		msgs = append(msgs, alert(int64(i%4+1), "BTCUSDT", float64(i%10+1)))
	}
	d.Enqueue(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Drain(ctx)

	d.mu.Lock()
	depth := d.depthLocked()
	d.mu.Unlock()
	if depth != 0 {
		t.Errorf("Expected empty queues after drain, got depth %d", depth)
	}
}

func TestPermanentFailureDrops(t *testing.T) {
	notifier := &fakeNotifier{results: map[int64]notify.Result{1: notify.ResultPermanentFailure}}
	d := New(testConfig(), notifier, slog.Default())

	d.Enqueue([]*models.AlertMessage{alert(1, "BTCUSDT", 3)})
	d.deliverTick(context.Background())

	if got := notifier.sendCount(); got != 1 {
		t.Errorf("Expected exactly one attempt, got %d", got)
	}
	d.mu.Lock()
	depth := d.depthLocked()
	d.mu.Unlock()
	if depth != 0 {
		t.Errorf("Expected dropped alert removed from queue, got depth %d", depth)
	}
}

func TestThrottledRetriesExhaust(t *testing.T) {
	notifier := &fakeNotifier{results: map[int64]notify.Result{1: notify.ResultThrottled}}
	d := New(testConfig(), notifier, slog.Default())

	d.Enqueue([]*models.AlertMessage{alert(1, "BTCUSDT", 3)})
	d.deliverTick(context.Background())
	d.retries.Wait()

	// RetryAttempts is 1, so a throttled first attempt drops immediately.
	if got := notifier.sendCount(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
	d.mu.Lock()
	depth := d.depthLocked()
	d.mu.Unlock()
	if depth != 0 {
		t.Errorf("Expected exhausted alert dropped, got depth %d", depth)
	}
}

func TestThrottledRetrySucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 3
	notifier := &throttleOnce{}
	d := New(cfg, notifier, slog.Default())

	d.Enqueue([]*models.AlertMessage{alert(1, "BTCUSDT", 3)})
	d.deliverTick(context.Background())
	d.retries.Wait()

	if got := notifier.attempts(); got != 2 {
		t.Errorf("Expected throttled send plus one retry, got %d attempts", got)
	}
}

func TestGlobalRateHoldsOverRollingWindow(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalPerSecond = 5
	notifier := &fakeNotifier{}
	d := New(cfg, notifier, slog.Default())

	// One alert per user so every send costs exactly one token.
	var msgs []*models.AlertMessage
	for i := range 8 {
		msgs = append(msgs, alert(int64(i+1), "BTCUSDT", 3))
	}
	d.Enqueue(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.Drain(ctx)

	notifier.mu.Lock()
	sentAt := append([]time.Time(nil), notifier.sentAt...)
	notifier.mu.Unlock()

	if len(sentAt) != 8 {
		t.Fatalf("Expected all 8 alerts delivered, got %d", len(sentAt))
	}
	for i := range sentAt {
		count := 0
		for j := i; j < len(sentAt); j++ {
			if sentAt[j].Sub(sentAt[i]) < time.Second {
				count++
			}
		}
		if count > 5 {
			t.Errorf("Rolling 1s window starting at send %d carries %d sends, limit 5", i, count)
		}
	}
}

func TestThrottledUserDoesNotStarveOthers(t *testing.T) {
	notifier := &fakeNotifier{results: map[int64]notify.Result{1: notify.ResultThrottled}}
	d := New(testConfig(), notifier, slog.Default())

	var msgs []*models.AlertMessage
	for i := 0; i < 40; i++ {
		msgs = append(msgs, alert(1, "BTCUSDT", 3))
	}
	msgs = append(msgs, alert(2, "ETHUSDT", 3))
	d.Enqueue(msgs)

	d.deliverTick(context.Background())
	d.retries.Wait()

	delivered := false
	notifier.mu.Lock()
	for _, userID := range notifier.sends {
		if userID == 2 {
			delivered = true
		}
	}
	notifier.mu.Unlock()
	if !delivered {
		t.Error("Expected user 2 delivered despite user 1's throttled backlog")
	}
}

// throttleOnce throttles the first attempt and accepts afterwards.
type throttleOnce struct {
	mu    sync.Mutex
	calls int
}

func (f *throttleOnce) Send(context.Context, int64, string) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return notify.ResultThrottled, nil
	}
	return notify.ResultSent, nil
}

func (f *throttleOnce) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
