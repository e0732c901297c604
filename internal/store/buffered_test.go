package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/overloewner/trade-bot/internal/models"
)

// fakeStore is an in-memory RecoveryStore whose availability can be toggled.
type fakeStore struct {
	mu      sync.Mutex
	down    bool
	nextID  int64
	presets map[int64]models.Preset
	ops     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{presets: make(map[int64]models.Preset)}
}

func (f *fakeStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeStore) LoadActivePresets(context.Context) ([]models.Preset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, fmt.Errorf("%w: down", ErrUnavailable)
	}
	var out []models.Preset
	for _, p := range f.presets {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertPreset(_ context.Context, p *models.Preset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: down", ErrUnavailable)
	}
	if p.ID == 0 {
		f.nextID++
		p.ID = f.nextID
	}
	f.presets[p.ID] = *p
	f.ops = append(f.ops, fmt.Sprintf("upsert:%d", p.ID))
	return nil
}

func (f *fakeStore) DeletePreset(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%w: down", ErrUnavailable)
	}
	delete(f.presets, id)
	f.ops = append(f.ops, fmt.Sprintf("delete:%d", id))
	return nil
}

func (f *fakeStore) Close() {}

func storedPreset(id int64) *models.Preset {
	return &models.Preset{
		ID:        id,
		UserID:    100,
		Name:      "pump",
		Symbols:   []string{"BTCUSDT"},
		Intervals: []string{"1m"},
		Threshold: 2,
		Active:    true,
	}
}

func TestBufferedWritesThrough(t *testing.T) {
	inner := newFakeStore()
	b := NewBuffered(inner, slog.Default())

	if err := b.UpsertPreset(context.Background(), storedPreset(1)); err != nil {
		t.Fatalf("UpsertPreset failed: %v", err)
	}
	if b.Depth() != 0 {
		t.Errorf("Expected no buffering on healthy store, depth %d", b.Depth())
	}
}

func TestBufferedCreateFailsFast(t *testing.T) {
	inner := newFakeStore()
	inner.setDown(true)
	b := NewBuffered(inner, slog.Default())

	p := storedPreset(0)
	if err := b.UpsertPreset(context.Background(), p); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for create, got %v", err)
	}
	if b.Depth() != 0 {
		t.Errorf("Creates must not buffer, depth %d", b.Depth())
	}
}

func TestBufferedBuffersAndReplaysInOrder(t *testing.T) {
	inner := newFakeStore()
	b := NewBuffered(inner, slog.Default())
	ctx := context.Background()

	inner.setDown(true)
	if err := b.UpsertPreset(ctx, storedPreset(1)); err != nil {
		t.Fatalf("Expected buffered upsert to succeed, got %v", err)
	}
	if err := b.UpsertPreset(ctx, storedPreset(2)); err != nil {
		t.Fatalf("Expected buffered upsert to succeed, got %v", err)
	}
	if err := b.DeletePreset(ctx, 1); err != nil {
		t.Fatalf("Expected buffered delete to succeed, got %v", err)
	}
	if b.Depth() != 3 {
		t.Fatalf("Expected 3 buffered mutations, got %d", b.Depth())
	}

	// Flushing against a down store keeps everything queued.
	b.Flush(ctx)
	if b.Depth() != 3 {
		t.Fatalf("Expected buffer intact after failed flush, got %d", b.Depth())
	}

	inner.setDown(false)
	b.Flush(ctx)
	if b.Depth() != 0 {
		t.Fatalf("Expected buffer drained, got %d", b.Depth())
	}

	want := []string{"upsert:1", "upsert:2", "delete:1"}
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.ops) != len(want) {
		t.Fatalf("Expected %d replayed ops, got %v", len(want), inner.ops)
	}
	for i := range want {
		if inner.ops[i] != want[i] {
			t.Errorf("Op %d: expected %s, got %s", i, want[i], inner.ops[i])
		}
	}
	if _, ok := inner.presets[1]; ok {
		t.Error("Expected preset 1 deleted after ordered replay")
	}
	if _, ok := inner.presets[2]; !ok {
		t.Error("Expected preset 2 present after replay")
	}
}

func TestBufferedNewerWriteNotRolledBackByReplay(t *testing.T) {
	inner := newFakeStore()
	b := NewBuffered(inner, slog.Default())
	ctx := context.Background()

	seed := storedPreset(1)
	seed.Name = "v0"
	if err := b.UpsertPreset(ctx, seed); err != nil {
		t.Fatalf("Seed upsert failed: %v", err)
	}

	inner.setDown(true)
	stale := storedPreset(1)
	stale.Name = "v1"
	if err := b.UpsertPreset(ctx, stale); err != nil {
		t.Fatalf("Buffered upsert failed: %v", err)
	}

	// The store recovers and a newer mutation arrives before the replay
	// ticker fires. It must land after the buffered backlog, never before.
	inner.setDown(false)
	newer := storedPreset(1)
	newer.Name = "v2"
	if err := b.UpsertPreset(ctx, newer); err != nil {
		t.Fatalf("Upsert after recovery failed: %v", err)
	}

	b.Flush(ctx)
	if b.Depth() != 0 {
		t.Fatalf("Expected buffer drained, got %d", b.Depth())
	}

	inner.mu.Lock()
	name := inner.presets[1].Name
	inner.mu.Unlock()
	if name != "v2" {
		t.Errorf("Durable state rolled back: store has %q, want %q", name, "v2")
	}
}

func TestBufferedDeleteQueuesBehindReplay(t *testing.T) {
	inner := newFakeStore()
	b := NewBuffered(inner, slog.Default())
	ctx := context.Background()

	inner.setDown(true)
	if err := b.UpsertPreset(ctx, storedPreset(1)); err != nil {
		t.Fatalf("Buffered upsert failed: %v", err)
	}

	inner.setDown(false)
	if err := b.DeletePreset(ctx, 1); err != nil {
		t.Fatalf("Delete after recovery failed: %v", err)
	}

	b.Flush(ctx)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if _, ok := inner.presets[1]; ok {
		t.Error("Expected delete to land after the replayed upsert")
	}
	want := []string{"upsert:1", "delete:1"}
	for i := range want {
		if i >= len(inner.ops) || inner.ops[i] != want[i] {
			t.Fatalf("Expected ops %v, got %v", want, inner.ops)
		}
	}
}

func TestBufferedCreateWritesThroughDespiteBacklog(t *testing.T) {
	inner := newFakeStore()
	b := NewBuffered(inner, slog.Default())
	ctx := context.Background()

	inner.setDown(true)
	if err := b.UpsertPreset(ctx, storedPreset(1)); err != nil {
		t.Fatalf("Buffered upsert failed: %v", err)
	}

	inner.setDown(false)
	created := storedPreset(0)
	if err := b.UpsertPreset(ctx, created); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == 0 {
		t.Error("Expected store-assigned id for create while backlog pending")
	}
	if b.Depth() != 1 {
		t.Errorf("Expected only the original mutation buffered, got %d", b.Depth())
	}
}

func TestBufferedPartialFlushPreservesOrder(t *testing.T) {
	inner := newFakeStore()
	b := NewBuffered(inner, slog.Default())
	ctx := context.Background()

	inner.setDown(true)
	if err := b.UpsertPreset(ctx, storedPreset(1)); err != nil {
		t.Fatalf("Buffered upsert failed: %v", err)
	}

	// A mutation buffered while a flush is in flight must land after the
	// requeued remainder.
	b.Flush(ctx)
	if err := b.UpsertPreset(ctx, storedPreset(2)); err != nil {
		t.Fatalf("Buffered upsert failed: %v", err)
	}

	inner.setDown(false)
	b.Flush(ctx)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.ops) != 2 || inner.ops[0] != "upsert:1" || inner.ops[1] != "upsert:2" {
		t.Errorf("Expected ordered replay, got %v", inner.ops)
	}
}
