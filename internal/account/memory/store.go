// Package memory is a process-local account store. Each user id hashes to
// one of a fixed set of shards, and operations on a user hold only that
// shard's lock, so different users do not contend on a single mutex.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vnmchuo/nanogen/internal/account"
)

const shardCount = 64

type shard struct {
	mu       sync.Mutex
	accounts map[int64]*account.Account
}

type Store struct {
	shards [shardCount]shard
	now    func() time.Time
}

var _ account.Backend = (*Store)(nil)

func New() *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i].accounts = make(map[int64]*account.Account)
	}
	return s
}

func (s *Store) shard(userID int64) *shard {
	return &s.shards[uint64(userID)%shardCount]
}

func (s *Store) Read(_ context.Context, userID int64) (account.Account, bool, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[userID]
	if !ok {
		return account.Account{}, false, nil
	}
	return *a, true, nil
}

func (s *Store) ConditionalWrite(_ context.Context, userID int64, expected, next int64) (bool, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[userID]
	current := int64(0)
	if ok {
		current = a.Balance
	}
	if current != expected {
		return false, nil
	}
	s.put(sh, userID, next)
	return true, nil
}

func (s *Store) UnconditionalWrite(_ context.Context, userID int64, next int64) (bool, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.put(sh, userID, next)
	return true, nil
}

// put must be called with sh.mu held.
func (s *Store) put(sh *shard, userID int64, balance int64) {
	now := s.now()
	a, ok := sh.accounts[userID]
	if !ok {
		a = &account.Account{UserID: userID, CreatedAt: now}
		sh.accounts[userID] = a
	}
	a.Balance = balance
	a.UpdatedAt = now
}

func (s *Store) Register(_ context.Context, p account.Profile) error {
	sh := s.shard(p.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	a, ok := sh.accounts[p.UserID]
	if !ok {
		a = &account.Account{UserID: p.UserID, CreatedAt: now}
		sh.accounts[p.UserID] = a
	}
	a.Username = p.Username
	a.FirstName = p.FirstName
	a.LastName = p.LastName
	a.UpdatedAt = now
	return nil
}

func (s *Store) Get(_ context.Context, userID int64) (*account.Account, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[userID]
	if !ok {
		return nil, account.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListRecent(_ context.Context, limit int) ([]account.Account, error) {
	return s.collect(limit, func(account.Account) bool { return true }), nil
}

func (s *Store) Search(ctx context.Context, query string, limit int) ([]account.Account, error) {
	q := account.NormalizeQuery(query)
	if id, err := strconv.ParseInt(q, 10, 64); err == nil {
		a, err := s.Get(ctx, id)
		if err != nil {
			return []account.Account{}, nil
		}
		return []account.Account{*a}, nil
	}
	return s.collect(limit, func(a account.Account) bool { return a.Matches(q) }), nil
}

// collect snapshots matching accounts newest first. Shards are locked one
// at a time, so the result is not a point-in-time view across users.
func (s *Store) collect(limit int, keep func(account.Account) bool) []account.Account {
	out := []account.Account{}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, a := range sh.accounts {
			if keep(*a) {
				out = append(out, *a)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID > out[j].UserID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
