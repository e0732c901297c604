// Package store provides the persistent preset store used for recovery.
// It is consulted at startup, on preset mutations, and at shutdown, never
// on the alert-matching hot path.
package store

import (
	"context"
	"errors"

	"github.com/overloewner/trade-bot/internal/models"
)

// ErrUnavailable wraps store reachability failures. Mutations hitting it
// are buffered and retried; the in-memory registry stays authoritative.
var ErrUnavailable = errors.New("store: unavailable")

// RecoveryStore persists presets durably.
type RecoveryStore interface {
	// LoadActivePresets returns every active preset for registry hydration.
	LoadActivePresets(ctx context.Context) ([]models.Preset, error)

	// UpsertPreset inserts or updates a preset. A zero ID is assigned by
	// the store and written back.
	UpsertPreset(ctx context.Context, p *models.Preset) error

	// DeletePreset removes a preset. Deleting an unknown id is a no-op.
	DeletePreset(ctx context.Context, id int64) error

	// Close releases store resources.
	Close()
}
