package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/ragguard/internal/api"
)

// PostgresSchema creates the grade cache table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS relevance_grades (
  cache_key  VARCHAR(255) PRIMARY KEY,
  grade      JSONB NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_relevance_grades_expires ON relevance_grades(expires_at);
`

// PostgresStore persists grades in Postgres. Expired rows are invisible to
// Get and removed by CleanupExpired.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connStr and ensures the schema exists.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*api.RetrievalGrade, error) {
	const query = `
		SELECT grade
		FROM relevance_grades
		WHERE cache_key = $1 AND expires_at > NOW()
	`

	var raw []byte
	if err := p.pool.QueryRow(ctx, query, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var grade api.RetrievalGrade
	if err := json.Unmarshal(raw, &grade); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grade: %w", err)
	}
	return &grade, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, grade *api.RetrievalGrade, ttl time.Duration) error {
	raw, err := json.Marshal(grade)
	if err != nil {
		return fmt.Errorf("failed to marshal grade: %w", err)
	}

	const query = `
		INSERT INTO relevance_grades (cache_key, grade, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE
		SET grade = EXCLUDED.grade, expires_at = EXCLUDED.expires_at
	`
	if _, err := p.pool.Exec(ctx, query, key, raw, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired deletes expired rows and returns how many were removed.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM relevance_grades WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}
