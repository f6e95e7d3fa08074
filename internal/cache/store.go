package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
)

// Store caches relevance grades keyed by (query, document id). Re-grading
// the same pair is idempotent, so writes overwrite.
type Store interface {
	// Get returns the cached grade, or nil if absent or expired.
	Get(ctx context.Context, key string) (*api.RetrievalGrade, error)

	// Set stores a grade for ttl.
	Set(ctx context.Context, key string, grade *api.RetrievalGrade, ttl time.Duration) error

	// Close releases resources.
	Close() error
}

// Key builds the cache key for a (query, document id) pair. The query is
// normalised (trimmed, lowercased) and hashed to bound key length.
func Key(query, docID string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return fmt.Sprintf("grade:%s:%s", hex.EncodeToString(sum[:12]), docID)
}

// MemoryStore is an in-process Store over LRUWithTTL.
type MemoryStore struct {
	lru *LRUWithTTL[string, api.RetrievalGrade]
}

// NewMemoryStore creates a memory store holding at most size grades.
func NewMemoryStore(size int) (*MemoryStore, error) {
	l, err := NewLRUWithTTL[string, api.RetrievalGrade](size, 0)
	if err != nil {
		return nil, fmt.Errorf("memory grade cache: %w", err)
	}
	return &MemoryStore{lru: l}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*api.RetrievalGrade, error) {
	g, ok := m.lru.Get(key)
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, grade *api.RetrievalGrade, ttl time.Duration) error {
	if grade == nil {
		return nil
	}
	m.lru.SetWithTTL(key, *grade, ttl)
	return nil
}

// Stats exposes the underlying LRU counters.
func (m *MemoryStore) Stats() Stats {
	return m.lru.Stats()
}

// CleanupExpired drops expired grades.
func (m *MemoryStore) CleanupExpired(ctx context.Context) (int64, error) {
	return int64(m.lru.CleanupExpired()), nil
}

func (m *MemoryStore) Close() error {
	m.lru.Clear()
	return nil
}

// Options selects a Store backend.
type Options struct {
	Backend       string // memory | redis | postgres
	Size          int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
}

// Open builds the Store named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "memory", "":
		size := opts.Size
		if size <= 0 {
			size = 10000
		}
		return NewMemoryStore(size)
	case "redis":
		return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case "postgres":
		return NewPostgresStore(opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
