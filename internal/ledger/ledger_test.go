package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/nanogen/internal/account"
	"github.com/vnmchuo/nanogen/internal/account/memory"
	redisstore "github.com/vnmchuo/nanogen/internal/account/redis"
	"github.com/vnmchuo/nanogen/internal/pricing"
)

var (
	pro2K = pricing.Params{Model: "nano_pro", Resolution: "2K"}
	pro4K = pricing.Params{Model: "nano_pro", Resolution: "4K"}
	nano  = pricing.Params{Model: "nano"}
)

func newTable(t *testing.T) *pricing.Table {
	t.Helper()
	table, err := pricing.LoadDefault()
	require.NoError(t, err)
	return table
}

func newLedger(t *testing.T, opts ...Option) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, newTable(t), opts...), store
}

func seed(t *testing.T, store account.Store, userID, balance int64) {
	t.Helper()
	ok, err := store.UnconditionalWrite(context.Background(), userID, balance)
	require.NoError(t, err)
	require.True(t, ok)
}

func balanceOf(t *testing.T, l *Ledger, userID int64) int64 {
	t.Helper()
	b, err := l.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// flakyStore loses the first misses compare-and-swaps as if another writer
// got there first, and can fail every call with err.
type flakyStore struct {
	account.Store
	misses     atomic.Int32
	err        error
	beforeSwap func()
	swaps      atomic.Int32
}

func (s *flakyStore) Read(ctx context.Context, userID int64) (account.Account, bool, error) {
	if s.err != nil {
		return account.Account{}, false, s.err
	}
	return s.Store.Read(ctx, userID)
}

func (s *flakyStore) ConditionalWrite(ctx context.Context, userID int64, expected, next int64) (bool, error) {
	s.swaps.Add(1)
	if s.beforeSwap != nil {
		s.beforeSwap()
	}
	if s.misses.Load() > 0 {
		s.misses.Add(-1)
		return false, nil
	}
	return s.Store.ConditionalWrite(ctx, userID, expected, next)
}

func TestPriceOf(t *testing.T) {
	l, _ := newLedger(t)

	assert.Equal(t, int64(50), l.PriceOf(nano))
	assert.Equal(t, int64(150), l.PriceOf(pro2K))
	assert.Equal(t, 2*l.PriceOf(pro2K), l.PriceOf(pro4K))
	assert.Equal(t, l.PriceOf(pro4K), l.PriceOf(pro4K))
}

func TestPriceOf_UnknownModelUsesDefault(t *testing.T) {
	l, _ := newLedger(t)

	q := l.Quote(pricing.Params{Model: "nano_ultra"})
	assert.True(t, q.Fallback)
	assert.Equal(t, "nano_pro", q.Model)
	assert.Equal(t, int64(150), q.Cost)
}

func TestGetBalance_MissingAccountIsZero(t *testing.T) {
	l, _ := newLedger(t)
	assert.Equal(t, int64(0), balanceOf(t, l, 42))
}

func TestTryDebit(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		params  pricing.Params
		want    DebitResult
	}{
		{"enough funds", 200, pro2K, DebitResult{OK: true, Cost: 150, BalanceAfter: 50}},
		{"short of funds", 100, pro2K, DebitResult{OK: false, Cost: 150, BalanceAfter: 100}},
		{"exact balance", 150, pro2K, DebitResult{OK: true, Cost: 150, BalanceAfter: 0}},
		{"4K doubles cost", 400, pro4K, DebitResult{OK: true, Cost: 300, BalanceAfter: 100}},
		{"empty account", 0, nano, DebitResult{OK: false, Cost: 50, BalanceAfter: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newLedger(t)
			if tt.balance > 0 {
				seed(t, store, 1, tt.balance)
			}

			got, err := l.TryDebit(context.Background(), 1, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.BalanceAfter, balanceOf(t, l, 1))
		})
	}
}

func TestCredit_FreshAccount(t *testing.T) {
	l, _ := newLedger(t)

	got, err := l.Credit(context.Background(), 7, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)
	assert.Equal(t, int64(500), balanceOf(t, l, 7))
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	l, store := newLedger(t)
	seed(t, store, 7, 100)

	for _, amount := range []int64{0, -10} {
		_, err := l.Credit(context.Background(), 7, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Equal(t, int64(100), balanceOf(t, l, 7))
}

func TestCredit_Overflow(t *testing.T) {
	l, store := newLedger(t)
	seed(t, store, 7, math.MaxInt64-10)

	_, err := l.Credit(context.Background(), 7, 11)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, int64(math.MaxInt64-10), balanceOf(t, l, 7))
}

func TestWithdraw(t *testing.T) {
	l, store := newLedger(t)
	seed(t, store, 3, 500)

	res, err := l.Withdraw(context.Background(), 3, 150)
	require.NoError(t, err)
	assert.Equal(t, DebitResult{OK: true, Cost: 150, BalanceAfter: 350}, res)

	res, err = l.Withdraw(context.Background(), 3, 1000)
	require.NoError(t, err)
	assert.Equal(t, DebitResult{OK: false, Cost: 1000, BalanceAfter: 350}, res)

	_, err = l.Withdraw(context.Background(), 3, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, int64(350), balanceOf(t, l, 3))
}

func TestForceSet(t *testing.T) {
	l, store := newLedger(t)
	seed(t, store, 9, 1234)

	got, err := l.ForceSet(context.Background(), 9, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
	assert.Equal(t, int64(0), balanceOf(t, l, 9))

	_, err = l.ForceSet(context.Background(), 9, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConservation(t *testing.T) {
	l, store := newLedger(t)
	seed(t, store, 5, 100)
	ctx := context.Background()

	var want int64 = 100
	for _, amount := range []int64{500, 150, 1000} {
		_, err := l.Credit(ctx, 5, amount)
		require.NoError(t, err)
		want += amount
	}
	for _, p := range []pricing.Params{pro2K, pro4K, nano, pro4K, pro4K, pro4K, pro4K, pro4K} {
		res, err := l.TryDebit(ctx, 5, p)
		require.NoError(t, err)
		if res.OK {
			want -= res.Cost
		}
		require.GreaterOrEqual(t, res.BalanceAfter, int64(0))
	}

	assert.Equal(t, want, balanceOf(t, l, 5))
}

func TestTryDebit_ConcurrentExactlyOneFails(t *testing.T) {
	const n = 32
	l, store := newLedger(t, WithAttempts(n))
	assertOneOfNFails(t, l, store, n)
}

func TestTryDebit_ConcurrentExactlyOneFails_Redis(t *testing.T) {
	const n = 32
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.NewStore(rdb)
	l := New(store, newTable(t), WithAttempts(n))
	assertOneOfNFails(t, l, store, n)
}

// assertOneOfNFails funds n-1 debits and races n of them.
func assertOneOfNFails(t *testing.T, l *Ledger, store account.Store, n int) {
	t.Helper()
	cost := l.PriceOf(pro2K)
	seed(t, store, 11, int64(n-1)*cost)

	var (
		wg      sync.WaitGroup
		succeed atomic.Int32
		short   atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.TryDebit(context.Background(), 11, pro2K)
			if !assert.NoError(t, err) {
				return
			}
			if res.OK {
				succeed.Add(1)
			} else {
				short.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(n-1), succeed.Load())
	assert.Equal(t, int32(1), short.Load())
	assert.Equal(t, int64(0), balanceOf(t, l, 11))
}

func TestTryDebit_TwoConcurrentOnSingleCost(t *testing.T) {
	l, store := newLedger(t)
	seed(t, store, 12, 150)

	results := make([]DebitResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.TryDebit(context.Background(), 12, pro2K)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	oks := 0
	for _, r := range results {
		if r.OK {
			oks++
		}
		assert.Equal(t, int64(0), r.BalanceAfter)
		assert.Equal(t, int64(150), r.Cost)
	}
	assert.Equal(t, 1, oks)
	assert.Equal(t, int64(0), balanceOf(t, l, 12))
}

func TestTryDebit_RecoversFromLostSwaps(t *testing.T) {
	for _, misses := range []int32{1, 2} {
		store := &flakyStore{Store: memory.New()}
		store.misses.Store(misses)
		seed(t, store.Store, 1, 500)
		l := New(store, newTable(t))

		res, err := l.TryDebit(context.Background(), 1, pro2K)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, int64(350), res.BalanceAfter)
		assert.Equal(t, int64(350), balanceOf(t, l, 1))
		assert.Equal(t, misses+1, store.swaps.Load())
	}
}

func TestCredit_RecoversFromLostSwaps(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	store.misses.Store(2)
	l := New(store, newTable(t))

	got, err := l.Credit(context.Background(), 1, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)
	assert.Equal(t, int64(500), balanceOf(t, l, 1))
}

func TestTryDebit_ContentionExhausted(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	store.misses.Store(DefaultAttempts)
	seed(t, store.Store, 1, 500)
	l := New(store, newTable(t))

	_, err := l.TryDebit(context.Background(), 1, pro2K)
	assert.ErrorIs(t, err, ErrContentionExhausted)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(DefaultAttempts), store.swaps.Load())
	assert.Equal(t, int64(500), balanceOf(t, l, 1))
}

func TestStoreFailure(t *testing.T) {
	boom := errors.New("connection refused")
	store := &flakyStore{Store: memory.New(), err: boom}
	l := New(store, newTable(t))
	ctx := context.Background()

	_, err := l.GetBalance(ctx, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = l.TryDebit(ctx, 1, pro2K)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, IsRetryable(err))

	_, err = l.Credit(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, store.swaps.Load())
}

type slowStore struct {
	account.Store
}

func (slowStore) Read(ctx context.Context, _ int64) (account.Account, bool, error) {
	<-ctx.Done()
	return account.Account{}, false, ctx.Err()
}

func TestStoreTimeout(t *testing.T) {
	l := New(slowStore{Store: memory.New()}, newTable(t), WithStoreTimeout(20*time.Millisecond))

	_, err := l.TryDebit(context.Background(), 1, pro2K)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForceSet_WinsOverInFlightDebit(t *testing.T) {
	inner := memory.New()
	seed(t, inner, 1, 500)

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store := &flakyStore{Store: inner}
	store.beforeSwap = func() {
		once.Do(func() {
			close(reached)
			<-release
		})
	}
	l := New(store, newTable(t))

	done := make(chan DebitResult)
	go func() {
		res, err := l.TryDebit(context.Background(), 1, pro2K)
		assert.NoError(t, err)
		done <- res
	}()

	<-reached
	got, err := l.ForceSet(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
	close(release)

	res := <-done
	assert.False(t, res.OK)
	assert.Equal(t, int64(0), res.BalanceAfter)
	assert.Equal(t, int64(0), balanceOf(t, l, 1))
}
