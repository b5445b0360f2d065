// internal/database/profiles.go

// Package database provides the Postgres-backed player profile store. The
// coordination engine only reads identity data (nickname, level) to fill
// room membership and feed the eligibility gate; account writes belong to an
// external service.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no profile exists for the given player.
var ErrNotFound = errors.New("database: profile not found")

// Profile is the identity data consumed by the engines.
type Profile struct {
	ID       uuid.UUID
	Nickname string
	Level    int
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against databaseURL (e.g. the DATABASE_URL env var).
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping failed: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetProfile fetches one player's profile.
func (s *Store) GetProfile(ctx context.Context, playerID uuid.UUID) (Profile, error) {
	q := `
		SELECT id, nickname, level
		FROM player_profiles
		WHERE id = $1
	`
	var p Profile
	err := s.pool.QueryRow(ctx, q, playerID).Scan(&p.ID, &p.Nickname, &p.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("database: get profile %s: %w", playerID, err)
	}
	return p, nil
}

// TouchLastSeen records presence; failure is non-fatal to the caller.
func (s *Store) TouchLastSeen(ctx context.Context, playerID uuid.UUID) error {
	q := `UPDATE player_profiles SET last_seen = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, playerID); err != nil {
		return fmt.Errorf("database: touch last_seen %s: %w", playerID, err)
	}
	return nil
}
