package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/deepverify/internal/embeddings"
	"github.com/bdougie/deepverify/internal/models"
)

// PostgresCache keeps verdicts in PostgreSQL with pgvector fingerprints
type PostgresCache struct {
	pool        *pgxpool.Pool
	maxDistance float64
}

// NewPostgresCache connects to PostgreSQL and makes sure the schema exists
func NewPostgresCache(ctx context.Context, databaseURL string, maxDistance float64) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresCache{pool: pool, maxDistance: maxDistance}, nil
}

// Close closes the database connection
func (s *PostgresCache) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Lookup tries the exact digest first, then the nearest fingerprint when
// matching is enabled
func (s *PostgresCache) Lookup(ctx context.Context, key Key) (*models.Verdict, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT verdict FROM verdict_cache WHERE digest = $1",
		key.Digest).Scan(&raw)
	if err == nil {
		return decodeVerdict(raw)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("error looking up verdict: %w", err)
	}

	if s.maxDistance <= 0 || len(key.Fingerprint) != embeddings.Dimensions {
		return nil, false, nil
	}

	var distance float64
	err = s.pool.QueryRow(ctx,
		`SELECT verdict, fingerprint <=> $1 AS distance
        FROM verdict_cache
        WHERE fingerprint IS NOT NULL
        ORDER BY fingerprint <=> $1
        LIMIT 1`,
		pgvector.NewVector(key.Fingerprint)).Scan(&raw, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to search similar frame sets: %w", err)
	}
	if distance > s.maxDistance {
		return nil, false, nil
	}
	return decodeVerdict(raw)
}

// Store upserts the verdict for a frame set
func (s *PostgresCache) Store(ctx context.Context, key Key, verdict models.Verdict) error {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}

	var fingerprint any
	if len(key.Fingerprint) == embeddings.Dimensions {
		fingerprint = pgvector.NewVector(key.Fingerprint)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO verdict_cache (digest, fingerprint, verdict, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (digest) DO UPDATE
        SET fingerprint = EXCLUDED.fingerprint,
            verdict = EXCLUDED.verdict,
            created_at = EXCLUDED.created_at`,
		key.Digest, fingerprint, raw, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store verdict: %w", err)
	}
	return nil
}

func decodeVerdict(raw []byte) (*models.Verdict, bool, error) {
	var v models.Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached verdict: %w", err)
	}
	return &v, true, nil
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS verdict_cache (
            id SERIAL PRIMARY KEY,
            digest VARCHAR(64) NOT NULL UNIQUE,
            fingerprint vector(%d),
            verdict JSONB NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE INDEX IF NOT EXISTS idx_verdict_cache_fingerprint
            ON verdict_cache USING hnsw (fingerprint vector_cosine_ops);
    `, embeddings.Dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	return nil
}
