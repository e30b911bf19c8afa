package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type recordingStore struct {
	keys    []string
	allowed bool
	err     error
}

func (s *recordingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	s.keys = append(s.keys, key)
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func (s *recordingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *recordingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	s.keys = append(s.keys, key)
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func TestAllow_KeyedPerUser(t *testing.T) {
	store := &recordingStore{allowed: true}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), 42, 1)
	if err != nil || !ok {
		t.Fatalf("expected allowed, got %v %v", ok, err)
	}
	if _, err := l.Status(context.Background(), 42); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, k := range store.keys {
		if k != "ratelimit:user:42" {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestAllow_Error(t *testing.T) {
	l := NewTestLimiter(&recordingStore{allowed: true, err: errors.New("redis down")})

	ok, err := l.Allow(context.Background(), 1, 1)
	if err == nil || ok {
		t.Errorf("expected denial with error, got %v %v", ok, err)
	}
}
