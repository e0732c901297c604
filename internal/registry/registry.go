// Package registry holds the in-memory subscription index that maps
// (symbol, interval) channels to the presets watching them. Mutations are
// serialized through a single writer path; lookups are lock-free reads over
// an immutable snapshot swapped in atomically, so the matching hot path
// never observes a partially-applied mutation.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/models"
)

var (
	// ErrNotFound is returned for operations on an unknown preset id.
	ErrNotFound = errors.New("registry: preset not found")

	// ErrLimitExceeded is returned when a preset would break a size limit.
	ErrLimitExceeded = errors.New("registry: limit exceeded")

	// ErrInvalidPreset is returned for presets outside the valid shape.
	ErrInvalidPreset = errors.New("registry: invalid preset")

	// ErrInconsistent signals a violated internal invariant; the in-memory
	// state was rebuilt and callers should reload from the store.
	ErrInconsistent = errors.New("registry: index inconsistent")
)

// Match is one (user, preset) tuple watching a channel.
type Match struct {
	UserID     int64
	PresetID   int64
	PresetName string
	Threshold  float64
}

// snapshot is the immutable read view. The bucket map and its slices are
// never mutated after publication; every mutation publishes a new snapshot
// that shares the untouched buckets.
type snapshot struct {
	buckets map[models.Channel][]Match
}

// Registry is the subscription index. The zero value is not usable; use New.
type Registry struct {
	cfg configs.RegistryConfig

	// mu serializes every mutation (single-writer discipline). Reads never
	// take it.
	mu      sync.Mutex
	presets map[int64]*models.Preset
	// reverse maps preset id to the channels it is indexed under, making
	// removal proportional to the preset's own channel set.
	reverse map[int64][]models.Channel

	snap atomic.Pointer[snapshot]
}

// New creates an empty registry.
func New(cfg configs.RegistryConfig) *Registry {
	r := &Registry{
		cfg:     cfg,
		presets: make(map[int64]*models.Preset),
		reverse: make(map[int64][]models.Channel),
	}
	r.snap.Store(&snapshot{buckets: map[models.Channel][]Match{}})
	return r
}

// Lookup returns the matches watching (symbol, interval). The returned slice
// is an immutable snapshot bucket and must not be modified.
func (r *Registry) Lookup(symbol, interval string) []Match {
	snap := r.snap.Load()
	return snap.buckets[models.Channel{Symbol: symbol, Interval: interval}]
}

// AddPreset validates and registers a preset. An already-known id is
// replaced (upsert), so remove-then-re-add round-trips to an identical
// observable state. Repeated symbols or intervals collapse to one entry.
func (r *Registry) AddPreset(p *models.Preset) error {
	if p == nil {
		return fmt.Errorf("%w: missing preset", ErrInvalidPreset)
	}
	clone := normalize(*p)
	if err := r.validate(&clone); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.presets[clone.ID]
	if !exists {
		owned := 0
		for _, existing := range r.presets {
			if existing.UserID == clone.UserID {
				owned++
			}
		}
		if owned >= r.cfg.MaxPresetsPerUser {
			return fmt.Errorf("%w: user %d already owns %d presets", ErrLimitExceeded, clone.UserID, owned)
		}
	}

	buckets := r.cloneBuckets()
	if exists && old.Active {
		r.unindexLocked(buckets, old.ID)
	}

	r.presets[clone.ID] = &clone
	if clone.Active {
		r.indexLocked(buckets, &clone)
	}
	r.publish(buckets)
	return nil
}

// RemovePreset deletes a preset and all of its index entries. Removing an
// unknown id returns ErrNotFound.
func (r *Registry) RemovePreset(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presets[id]
	if !ok {
		return ErrNotFound
	}

	buckets := r.cloneBuckets()
	if p.Active {
		r.unindexLocked(buckets, id)
	}
	delete(r.presets, id)
	delete(r.reverse, id)
	r.publish(buckets)
	return nil
}

// SetActive toggles a preset's active flag. The operation is idempotent:
// re-activating an active preset (or deactivating an inactive one) is a
// no-op. A registry entry exists iff its owning preset is active.
func (r *Registry) SetActive(id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presets[id]
	if !ok {
		return ErrNotFound
	}
	if p.Active == active {
		return nil
	}
	p.Active = active

	buckets := r.cloneBuckets()
	if active {
		r.indexLocked(buckets, p)
	} else {
		r.unindexLocked(buckets, id)
	}
	r.publish(buckets)
	return nil
}

// Preset returns a copy of the stored preset.
func (r *Registry) Preset(id int64) (models.Preset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presets[id]
	if !ok {
		return models.Preset{}, ErrNotFound
	}
	return *p, nil
}

// Hydrate replaces the registry contents with the presets loaded from the
// recovery store. It must complete before any streaming subscription opens.
func (r *Registry) Hydrate(presets []models.Preset) error {
	clones := make([]models.Preset, len(presets))
	for i := range presets {
		clones[i] = normalize(presets[i])
		if err := r.validate(&clones[i]); err != nil {
			return fmt.Errorf("hydrate preset %d: %w", clones[i].ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.presets = make(map[int64]*models.Preset, len(clones))
	r.reverse = make(map[int64][]models.Channel, len(clones))
	buckets := make(map[models.Channel][]Match)
	for i := range clones {
		clone := clones[i]
		r.presets[clone.ID] = &clone
		if clone.Active {
			r.indexLocked(buckets, &clone)
		}
	}
	r.publish(buckets)
	return nil
}

// Channels returns the sorted channel set required by active presets.
func (r *Registry) Channels() []models.Channel {
	snap := r.snap.Load()
	channels := make([]models.Channel, 0, len(snap.buckets))
	for ch := range snap.buckets {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Symbol != channels[j].Symbol {
			return channels[i].Symbol < channels[j].Symbol
		}
		return channels[i].Interval < channels[j].Interval
	})
	return channels
}

// Stats reports preset and channel counts for the ops surface.
func (r *Registry) Stats() (presets int, activeChannels int) {
	r.mu.Lock()
	presets = len(r.presets)
	r.mu.Unlock()
	return presets, len(r.snap.Load().buckets)
}

// Verify checks the published snapshot against the preset table. An
// orphaned entry rebuilds the whole index and reports ErrInconsistent so
// the caller can trigger a full store reload.
func (r *Registry) Verify() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	for ch, bucket := range snap.buckets {
		for _, match := range bucket {
			p, ok := r.presets[match.PresetID]
			if !ok || !p.Active {
				r.rebuildLocked()
				return fmt.Errorf("%w: orphaned entry for preset %d on %s", ErrInconsistent, match.PresetID, ch)
			}
		}
	}
	return nil
}

// cloneBuckets shallow-copies the published bucket map. Slices are shared
// until a bucket is actually touched by indexLocked/unindexLocked.
func (r *Registry) cloneBuckets() map[models.Channel][]Match {
	snap := r.snap.Load()
	buckets := make(map[models.Channel][]Match, len(snap.buckets))
	for ch, bucket := range snap.buckets {
		buckets[ch] = bucket
	}
	return buckets
}

// indexLocked inserts entries for an active preset into fresh bucket
// slices, keeping each bucket ordered by (user id, preset id).
func (r *Registry) indexLocked(buckets map[models.Channel][]Match, p *models.Preset) {
	match := Match{
		UserID:     p.UserID,
		PresetID:   p.ID,
		PresetName: p.Name,
		Threshold:  p.Threshold,
	}

	channels := p.Channels()
	for _, ch := range channels {
		old := buckets[ch]
		bucket := make([]Match, 0, len(old)+1)
		bucket = append(bucket, old...)
		bucket = append(bucket, match)
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].UserID != bucket[j].UserID {
				return bucket[i].UserID < bucket[j].UserID
			}
			return bucket[i].PresetID < bucket[j].PresetID
		})
		buckets[ch] = bucket
	}
	r.reverse[p.ID] = channels
}

// unindexLocked removes a preset's entries using the reverse index.
func (r *Registry) unindexLocked(buckets map[models.Channel][]Match, presetID int64) {
	for _, ch := range r.reverse[presetID] {
		old := buckets[ch]
		bucket := make([]Match, 0, len(old))
		for _, match := range old {
			if match.PresetID != presetID {
				bucket = append(bucket, match)
			}
		}
		if len(bucket) == 0 {
			delete(buckets, ch)
		} else {
			buckets[ch] = bucket
		}
	}
	delete(r.reverse, presetID)
}

// rebuildLocked republishes the index from scratch from the preset table.
func (r *Registry) rebuildLocked() {
	r.reverse = make(map[int64][]models.Channel, len(r.presets))
	buckets := make(map[models.Channel][]Match)
	for _, p := range r.presets {
		if p.Active {
			r.indexLocked(buckets, p)
		}
	}
	r.publish(buckets)
}

func (r *Registry) publish(buckets map[models.Channel][]Match) {
	r.snap.Store(&snapshot{buckets: buckets})
}

// normalize copies a preset with duplicate symbols and intervals collapsed,
// keeping first-occurrence order.
func normalize(p models.Preset) models.Preset {
	p.Symbols = dedupeStrings(p.Symbols)
	p.Intervals = dedupeStrings(p.Intervals)
	return p
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// validate enforces the preset shape invariants.
func (r *Registry) validate(p *models.Preset) error {
	if p.ID == 0 || p.UserID == 0 {
		return fmt.Errorf("%w: missing id or owner", ErrInvalidPreset)
	}
	if len(p.Symbols) == 0 || len(p.Intervals) == 0 {
		return fmt.Errorf("%w: empty symbol or interval set", ErrInvalidPreset)
	}
	if len(p.Symbols) > r.cfg.MaxPairsPerPreset {
		return fmt.Errorf("%w: %d symbols exceeds cap %d", ErrLimitExceeded, len(p.Symbols), r.cfg.MaxPairsPerPreset)
	}
	if p.Threshold < 0.1 || p.Threshold > 100 {
		return fmt.Errorf("%w: threshold %.2f outside 0.1-100", ErrInvalidPreset, p.Threshold)
	}
	for _, interval := range p.Intervals {
		if !supportedInterval(interval) {
			return fmt.Errorf("%w: unsupported interval %q", ErrInvalidPreset, interval)
		}
	}
	return nil
}

func supportedInterval(interval string) bool {
	for _, candidate := range configs.SupportedIntervals {
		if candidate == interval {
			return true
		}
	}
	return false
}
