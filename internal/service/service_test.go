package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/models"
	"github.com/overloewner/trade-bot/internal/registry"
	"github.com/overloewner/trade-bot/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	down    bool
	nextID  int64
	presets map[int64]models.Preset
}

func newMemStore() *memStore {
	return &memStore{presets: make(map[int64]models.Preset)}
}

func (m *memStore) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *memStore) LoadActivePresets(context.Context) ([]models.Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, fmt.Errorf("%w: down", store.ErrUnavailable)
	}
	var out []models.Preset
	for _, p := range m.presets {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) UpsertPreset(_ context.Context, p *models.Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return fmt.Errorf("%w: down", store.ErrUnavailable)
	}
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
	}
	m.presets[p.ID] = *p
	return nil
}

func (m *memStore) DeletePreset(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return fmt.Errorf("%w: down", store.ErrUnavailable)
	}
	delete(m.presets, id)
	return nil
}

func (m *memStore) Close() {}

func (m *memStore) has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.presets[id]
	return ok
}

func testService(inner *memStore) *Service {
	cfg := &configs.AppConfig{
		Registry: configs.RegistryConfig{MaxPresetsPerUser: 2, MaxPairsPerPreset: 50},
	}
	buffered := store.NewBuffered(inner, slog.Default())
	return New(cfg, buffered, nil, slog.Default())
}

func request(userID int64, name string) *models.Preset {
	return &models.Preset{
		UserID:    userID,
		Name:      name,
		Symbols:   []string{"BTCUSDT"},
		Intervals: []string{"1m"},
		Threshold: 2,
		Active:    true,
	}
}

func TestCreatePresetAssignsID(t *testing.T) {
	inner := newMemStore()
	svc := testService(inner)

	p := request(100, "pump")
	if err := svc.CreatePreset(context.Background(), p); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}
	if p.ID == 0 {
		t.Fatal("Expected store-assigned id")
	}

	stored, err := svc.Preset(p.ID)
	if err != nil {
		t.Fatalf("Preset lookup failed: %v", err)
	}
	if stored.Name != "pump" {
		t.Errorf("Expected name pump, got %s", stored.Name)
	}
	if !inner.has(p.ID) {
		t.Error("Expected preset persisted")
	}
}

func TestCreatePresetRejectsAssignedID(t *testing.T) {
	svc := testService(newMemStore())

	p := request(100, "pump")
	p.ID = 7
	if err := svc.CreatePreset(context.Background(), p); !errors.Is(err, registry.ErrInvalidPreset) {
		t.Errorf("Expected ErrInvalidPreset, got %v", err)
	}
}

func TestCreatePresetRollsBackOnRegistryReject(t *testing.T) {
	inner := newMemStore()
	svc := testService(inner)
	ctx := context.Background()

	// Fill the per-user limit.
	for i := 0; i < 2; i++ {
		if err := svc.CreatePreset(ctx, request(100, "ok")); err != nil {
			t.Fatalf("CreatePreset %d failed: %v", i, err)
		}
	}

	over := request(100, "over")
	if err := svc.CreatePreset(ctx, over); !errors.Is(err, registry.ErrLimitExceeded) {
		t.Fatalf("Expected ErrLimitExceeded, got %v", err)
	}
	if inner.has(over.ID) {
		t.Error("Expected rejected preset rolled back from store")
	}
}

func TestUpdatePreset(t *testing.T) {
	inner := newMemStore()
	svc := testService(inner)
	ctx := context.Background()

	p := request(100, "pump")
	if err := svc.CreatePreset(ctx, p); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}

	updated := request(100, "renamed")
	updated.ID = p.ID
	updated.Threshold = 5
	if err := svc.UpdatePreset(ctx, updated); err != nil {
		t.Fatalf("UpdatePreset failed: %v", err)
	}

	stored, err := svc.Preset(p.ID)
	if err != nil {
		t.Fatalf("Preset lookup failed: %v", err)
	}
	if stored.Name != "renamed" || stored.Threshold != 5 {
		t.Errorf("Update not applied: %+v", stored)
	}

	missing := request(100, "ghost")
	missing.ID = 999
	if err := svc.UpdatePreset(ctx, missing); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePresetBuffersWhenStoreDown(t *testing.T) {
	inner := newMemStore()
	svc := testService(inner)
	ctx := context.Background()

	p := request(100, "pump")
	if err := svc.CreatePreset(ctx, p); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}

	inner.setDown(true)
	updated := request(100, "renamed")
	updated.ID = p.ID
	if err := svc.UpdatePreset(ctx, updated); err != nil {
		t.Fatalf("Expected buffered update to succeed, got %v", err)
	}

	// Registry is authoritative while persistence lags.
	stored, err := svc.Preset(p.ID)
	if err != nil || stored.Name != "renamed" {
		t.Errorf("Expected registry updated, got %+v, %v", stored, err)
	}
	if svc.Stats().BufferedWrites != 1 {
		t.Errorf("Expected 1 buffered write, got %d", svc.Stats().BufferedWrites)
	}
}

func TestSetActivePersists(t *testing.T) {
	inner := newMemStore()
	svc := testService(inner)
	ctx := context.Background()

	p := request(100, "pump")
	if err := svc.CreatePreset(ctx, p); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}

	if err := svc.SetActive(ctx, p.ID, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}

	inner.mu.Lock()
	active := inner.presets[p.ID].Active
	inner.mu.Unlock()
	if active {
		t.Error("Expected deactivation persisted")
	}
}

func TestRestartRecoversActivePresetsOnly(t *testing.T) {
	inner := newMemStore()
	ctx := context.Background()

	svc := testService(inner)
	active := request(100, "active")
	if err := svc.CreatePreset(ctx, active); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}
	inactive := request(200, "inactive")
	if err := svc.CreatePreset(ctx, inactive); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}
	if err := svc.SetActive(ctx, inactive.ID, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}

	// A fresh service over the same store sees only the active set.
	restarted := testService(inner)
	presets, err := restarted.store.LoadActivePresets(ctx)
	if err != nil {
		t.Fatalf("LoadActivePresets failed: %v", err)
	}
	if err := restarted.registry.Hydrate(presets); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	if matches := restarted.registry.Lookup("BTCUSDT", "1m"); len(matches) != 1 || matches[0].PresetID != active.ID {
		t.Errorf("Expected only the active preset recovered, got %v", matches)
	}
}

func TestDeletePreset(t *testing.T) {
	inner := newMemStore()
	svc := testService(inner)
	ctx := context.Background()

	p := request(100, "pump")
	if err := svc.CreatePreset(ctx, p); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}

	if err := svc.DeletePreset(ctx, p.ID); err != nil {
		t.Fatalf("DeletePreset failed: %v", err)
	}
	if _, err := svc.Preset(p.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected preset gone from registry, got %v", err)
	}
	if inner.has(p.ID) {
		t.Error("Expected preset gone from store")
	}

	if err := svc.DeletePreset(ctx, p.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for double delete, got %v", err)
	}
}
