package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/overloewner/trade-bot/internal/models"
)

// PostgresStore implements RecoveryStore over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping failed: %v", ErrUnavailable, err)
	}

	return &PostgresStore{pool: pool}, nil
}

// LoadActivePresets returns every active preset, ordered by id.
func (s *PostgresStore) LoadActivePresets(ctx context.Context) ([]models.Preset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, symbols, intervals, threshold, active
		FROM presets
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: load presets: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var presets []models.Preset
	for rows.Next() {
		var p models.Preset
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Symbols, &p.Intervals, &p.Threshold, &p.Active); err != nil {
			return nil, fmt.Errorf("scan preset row: %w", err)
		}
		presets = append(presets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate presets: %v", ErrUnavailable, err)
	}
	return presets, nil
}

// UpsertPreset inserts (assigning the id) or updates a preset.
func (s *PostgresStore) UpsertPreset(ctx context.Context, p *models.Preset) error {
	if p.ID == 0 {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO presets (user_id, name, symbols, intervals, threshold, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, p.UserID, p.Name, p.Symbols, p.Intervals, p.Threshold, p.Active).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("%w: insert preset: %v", ErrUnavailable, err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO presets (id, user_id, name, symbols, intervals, threshold, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			symbols = EXCLUDED.symbols,
			intervals = EXCLUDED.intervals,
			threshold = EXCLUDED.threshold,
			active = EXCLUDED.active
	`, p.ID, p.UserID, p.Name, p.Symbols, p.Intervals, p.Threshold, p.Active)
	if err != nil {
		return fmt.Errorf("%w: upsert preset %d: %v", ErrUnavailable, p.ID, err)
	}
	return nil
}

// DeletePreset removes a preset; unknown ids are a no-op.
func (s *PostgresStore) DeletePreset(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM presets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete preset %d: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping reports store reachability for the health monitor.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
