package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type memRepo struct {
	mu   sync.Mutex
	rows map[string]Session
	gets int
	fail error
}

func newMemRepo() *memRepo { return &memRepo{rows: map[string]Session{}} }

func (r *memRepo) InsertSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.rows[s.ID] = s
	return nil
}

func (r *memRepo) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	s, ok := r.rows[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func TestVerifyExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	d := NewDirectory(Config{Repo: newMemRepo(), Now: func() time.Time { return clock }})

	s, err := d.Create(context.Background(), "0xABC", "0xsig")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !s.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", s.ExpiresAt)
	}

	clock = s.ExpiresAt
	if err := d.Verify(context.Background(), s.ID, "0xabc"); err != nil {
		t.Fatalf("expected session valid exactly at expiry, got %v", err)
	}

	clock = s.ExpiresAt.Add(time.Nanosecond)
	if err := d.Verify(context.Background(), s.ID, "0xabc"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyNotFound(t *testing.T) {
	d := NewDirectory(Config{Repo: newMemRepo()})
	if err := d.Verify(context.Background(), "nope", "0xabc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s, err := d.Create(context.Background(), "0xabc", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Verify(context.Background(), s.ID, "0xdef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other wallet, got %v", err)
	}
}

func TestCreateReturnsSessionWhenPersistFails(t *testing.T) {
	repo := newMemRepo()
	repo.fail = errors.New("db down")
	d := NewDirectory(Config{Repo: repo})

	s, err := d.Create(context.Background(), "0xabc", "")
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if s.ID == "" || s.Address != "0xabc" {
		t.Fatalf("expected usable session, got %+v", s)
	}
}

func TestRedisCacheServesVerify(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := newMemRepo()
	d := NewDirectory(Config{Repo: repo, Cache: NewRedisCache(rdb, time.Hour)})

	s, err := d.Create(context.Background(), "0xabc", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Verify(context.Background(), s.ID, "0xabc"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if repo.gets != 0 {
		t.Fatalf("expected cache hit, repository read %d times", repo.gets)
	}
	if ttl := mr.TTL("payprompt:session:" + s.ID); ttl != time.Hour {
		t.Fatalf("expected ttl capped at 1h, got %s", ttl)
	}

	mr.FlushAll()
	if err := d.Verify(context.Background(), s.ID, "0xabc"); err != nil {
		t.Fatalf("verify after flush: %v", err)
	}
	if repo.gets != 1 {
		t.Fatalf("expected repository fallback, got %d reads", repo.gets)
	}
}

func TestLRUCacheMissFallsThrough(t *testing.T) {
	cache, err := NewLRUCache(2)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}
	repo := newMemRepo()
	d := NewDirectory(Config{Repo: repo, Cache: cache})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := d.Create(context.Background(), "0xabc", "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, s.ID)
	}

	if err := d.Verify(context.Background(), ids[0], "0xabc"); err != nil {
		t.Fatalf("verify evicted session: %v", err)
	}
	if repo.gets != 1 {
		t.Fatalf("expected one repository read for evicted entry, got %d", repo.gets)
	}
}
