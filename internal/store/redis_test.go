package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmor/loan-engine/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)

	require.NoError(t, s.CreateLoan(ctx, testLoan("0xlsa", "0xw", time.Unix(1700000000, 0).UTC())))
	assert.False(t, mr.Exists(loanKey("0xlsa")))

	got, err := s.FindByLSA(ctx, "0xlsa")
	require.NoError(t, err)
	assert.Equal(t, "0xw", got.Wallet)
	assert.True(t, mr.Exists(loanKey("0xlsa")))

	cached, err := s.FindByLSA(ctx, "0xlsa")
	require.NoError(t, err)
	assert.True(t, cached.PriceAtBuy.Equal(got.PriceAtBuy))
	assert.True(t, cached.CreatedAt.Equal(got.CreatedAt))
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	require.NoError(t, s.CreateLoan(ctx, testLoan("0xlsa", "0xw", time.Now())))
	_, err := s.FindByLSA(ctx, "0xlsa")
	require.NoError(t, err)
	require.True(t, mr.Exists(loanKey("0xlsa")))

	require.NoError(t, s.AppendRepayment(ctx, "0xlsa", model.Repayment{TxHash: "0x01", Amount: "10", PaymentType: model.PaymentRegular}))
	assert.False(t, mr.Exists(loanKey("0xlsa")))

	got, err := s.FindByLSA(ctx, "0xlsa")
	require.NoError(t, err)
	assert.Len(t, got.Repayments, 1)

	require.NoError(t, s.SetEarlyCloseDate(ctx, "0xlsa", time.Now()))
	got, err = s.FindByLSA(ctx, "0xlsa")
	require.NoError(t, err)
	assert.NotNil(t, got.EarlyCloseDate)
}

func TestCachedStore_MissPropagatesNotFound(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	_, err := s.FindByLSA(context.Background(), "0xnope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_FailedWriteKeepsCache(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	require.NoError(t, s.CreateLoan(ctx, testLoan("0xlsa", "0xw", time.Now())))
	r := model.Repayment{TxHash: "0x01", Amount: "10"}
	require.NoError(t, s.AppendRepayment(ctx, "0xlsa", r))
	_, err := s.FindByLSA(ctx, "0xlsa")
	require.NoError(t, err)

	assert.ErrorIs(t, s.AppendRepayment(ctx, "0xlsa", r), ErrDuplicateRepayment)
	assert.True(t, mr.Exists(loanKey("0xlsa")))
}

func TestRedisCheckpoints(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	cp := NewRedisCheckpoints(rdb, "")

	_, ok, err := cp.LoadCheckpoint(ctx, "lendingPool")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cp.SaveCheckpoint(ctx, "lendingPool", 123456))
	v, err := mr.Get("checkpoint:lendingPool")
	require.NoError(t, err)
	assert.Equal(t, "123456", v)

	block, ok, err := cp.LoadCheckpoint(ctx, "lendingPool")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(123456), block)

	require.NoError(t, mr.Set("checkpoint:bad", "xyz"))
	_, _, err = cp.LoadCheckpoint(ctx, "bad")
	assert.Error(t, err)
}
