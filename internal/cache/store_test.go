package cache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
)

func TestKey(t *testing.T) {
	a := Key("What is CRAG?", "doc-1")
	b := Key("  what is crag?  ", "doc-1")
	c := Key("What is CRAG?", "doc-2")

	if a != b {
		t.Errorf("Key should normalise whitespace and case: %q != %q", a, b)
	}
	if a == c {
		t.Error("Key should differ per document id")
	}
	if !strings.HasPrefix(a, "grade:") || !strings.HasSuffix(a, ":doc-1") {
		t.Errorf("Key() = %q, want grade:<hash>:doc-1", a)
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := Key("inflation outlook", "doc-"+time.Now().Format("150405.000000"))

	got, err := s.Get(ctx, key)
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = (%v, %v), want (nil, nil)", got, err)
	}

	grade := &api.RetrievalGrade{IsRelevant: true, Score: 0.8, Reason: "discusses inflation"}
	if err := s.Set(ctx, key, grade, time.Hour); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, err = s.Get(ctx, key)
	if err != nil || got == nil || *got != *grade {
		t.Fatalf("Get() = (%+v, %v), want %+v", got, err, grade)
	}

	updated := &api.RetrievalGrade{IsRelevant: false, Score: 0.2}
	if err := s.Set(ctx, key, updated, time.Hour); err != nil {
		t.Fatalf("Set(overwrite) error: %v", err)
	}
	if got, _ = s.Get(ctx, key); got == nil || *got != *updated {
		t.Errorf("Get() after overwrite = %+v, want %+v", got, updated)
	}
}

func TestMemoryStore(t *testing.T) {
	s, err := NewMemoryStore(100)
	if err != nil {
		t.Fatalf("NewMemoryStore() error: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)

	ctx := context.Background()
	_ = s.Set(ctx, "short", &api.RetrievalGrade{Score: 0.5}, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if got, _ := s.Get(ctx, "short"); got != nil {
		t.Errorf("Get(expired) = %+v, want nil", got)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	s.Close()

	if _, err := Open(Options{Backend: "memcached"}); err == nil {
		t.Error("Open(memcached) should fail")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RAGGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RAGGUARD_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisStore() error: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RAGGUARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RAGGUARD_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)

	if _, err := s.CleanupExpired(context.Background()); err != nil {
		t.Errorf("CleanupExpired() error: %v", err)
	}
}
