// Package redis keeps account balances in Redis hashes. Conditional writes
// run as a Lua script, so the compare and the set happen atomically on the
// server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/nanogen/internal/account"
)

const (
	recentKey = "accounts:recent"
	// searchWindow bounds how many recent accounts a name search scans.
	searchWindow = 1000
)

// KEYS[1] account hash, KEYS[2] recent index
// ARGV[1] expected, ARGV[2] next, ARGV[3] now (unix nanos), ARGV[4] user id
// Balances are compared as decimal strings; Lua numbers lose precision past 2^53.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'balance')
if cur == false then
    if ARGV[1] ~= '0' then
        return 0
    end
    redis.call('HSET', KEYS[1], 'created_at', ARGV[3])
    redis.call('ZADD', KEYS[2], 'NX', ARGV[3], ARGV[4])
elseif cur ~= ARGV[1] then
    return 0
end
redis.call('HSET', KEYS[1], 'balance', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// KEYS[1] account hash, KEYS[2] recent index
// ARGV[1] next, ARGV[2] now, ARGV[3] user id
var setScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'created_at', ARGV[2]) == 1 then
    redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[3])
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// KEYS[1] account hash, KEYS[2] recent index
// ARGV[1] username, ARGV[2] first name, ARGV[3] last name, ARGV[4] now, ARGV[5] user id
var registerScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'created_at', ARGV[4]) == 1 then
    redis.call('HSET', KEYS[1], 'balance', '0')
    redis.call('ZADD', KEYS[2], 'NX', ARGV[4], ARGV[5])
end
redis.call('HSET', KEYS[1], 'username', ARGV[1], 'first_name', ARGV[2], 'last_name', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

type Store struct {
	rdb *redis.Client
	now func() time.Time
}

var _ account.Backend = (*Store)(nil)

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func accountKey(userID int64) string {
	return fmt.Sprintf("account:%d", userID)
}

func (s *Store) Read(ctx context.Context, userID int64) (account.Account, bool, error) {
	a, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Account{}, false, nil
		}
		return account.Account{}, false, err
	}
	return *a, true, nil
}

func (s *Store) ConditionalWrite(ctx context.Context, userID int64, expected, next int64) (bool, error) {
	keys := []string{accountKey(userID), recentKey}
	res, err := casScript.Run(ctx, s.rdb, keys, expected, next, s.now().UnixNano(), userID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write balance: %w", err)
	}
	return res == 1, nil
}

func (s *Store) UnconditionalWrite(ctx context.Context, userID int64, next int64) (bool, error) {
	keys := []string{accountKey(userID), recentKey}
	res, err := setScript.Run(ctx, s.rdb, keys, next, s.now().UnixNano(), userID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set balance: %w", err)
	}
	return res == 1, nil
}

func (s *Store) Register(ctx context.Context, p account.Profile) error {
	keys := []string{accountKey(p.UserID), recentKey}
	err := registerScript.Run(ctx, s.rdb, keys,
		p.Username, p.FirstName, p.LastName, s.now().UnixNano(), p.UserID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID int64) (*account.Account, error) {
	return s.get(ctx, userID)
}

func (s *Store) get(ctx context.Context, userID int64) (*account.Account, error) {
	fields, err := s.rdb.HGetAll(ctx, accountKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return decode(userID, fields)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]account.Account, error) {
	ids, err := s.rdb.ZRevRange(ctx, recentKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return s.load(ctx, ids, limit, func(account.Account) bool { return true })
}

func (s *Store) Search(ctx context.Context, q string, limit int) ([]account.Account, error) {
	q = account.NormalizeQuery(q)
	if id, err := strconv.ParseInt(q, 10, 64); err == nil {
		a, err := s.get(ctx, id)
		if errors.Is(err, account.ErrNotFound) {
			return []account.Account{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []account.Account{*a}, nil
	}

	ids, err := s.rdb.ZRevRange(ctx, recentKey, 0, searchWindow-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return s.load(ctx, ids, limit, func(a account.Account) bool { return a.Matches(q) })
}

func (s *Store) load(ctx context.Context, ids []string, limit int, keep func(account.Account) bool) ([]account.Account, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, "account:"+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	out := []account.Account{}
	for i, cmd := range cmds {
		userID, err := strconv.ParseInt(ids[i], 10, 64)
		if err != nil {
			continue
		}
		a, err := decode(userID, cmd.Val())
		if err != nil {
			continue
		}
		if keep(*a) {
			out = append(out, *a)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func decode(userID int64, fields map[string]string) (*account.Account, error) {
	raw, ok := fields["balance"]
	if !ok {
		return nil, account.ErrNotFound
	}
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for user %d: %w", userID, err)
	}
	return &account.Account{
		UserID:    userID,
		Username:  fields["username"],
		FirstName: fields["first_name"],
		LastName:  fields["last_name"],
		Balance:   balance,
		CreatedAt: unixNanos(fields["created_at"]),
		UpdatedAt: unixNanos(fields["updated_at"]),
	}, nil
}

func unixNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
