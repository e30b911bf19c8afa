package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter, keyed
// per user.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes n units from the user's window.
func (l *Limiter) Allow(ctx context.Context, userID int64, n int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(userID), n)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, userID int64) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(userID))
}

func key(userID int64) string {
	return fmt.Sprintf("ratelimit:user:%d", userID)
}
