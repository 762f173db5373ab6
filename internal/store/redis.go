package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitmor/loan-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// single-loan lookups. Writes go to the primary store and invalidate the
// cached loan; the next read re-populates it.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateLoan(ctx context.Context, l *model.Loan) error {
	if err := s.primary.CreateLoan(ctx, l); err != nil {
		return err
	}
	s.invalidate(ctx, l.LSAAddress)
	return nil
}

func (s *CachedStore) AppendRepayment(ctx context.Context, lsa string, r model.Repayment) error {
	err := s.primary.AppendRepayment(ctx, lsa, r)
	if err == nil {
		s.invalidate(ctx, lsa)
	}
	return err
}

func (s *CachedStore) SetEarlyCloseDate(ctx context.Context, lsa string, at time.Time) error {
	err := s.primary.SetEarlyCloseDate(ctx, lsa, at)
	if err == nil {
		s.invalidate(ctx, lsa)
	}
	return err
}

func (s *CachedStore) SetLiquidatedDate(ctx context.Context, lsa string, at time.Time) error {
	err := s.primary.SetLiquidatedDate(ctx, lsa, at)
	if err == nil {
		s.invalidate(ctx, lsa)
	}
	return err
}

func (s *CachedStore) SetAutoRepayment(ctx context.Context, lsa string, enabled bool, at time.Time) error {
	err := s.primary.SetAutoRepayment(ctx, lsa, enabled, at)
	if err == nil {
		s.invalidate(ctx, lsa)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) FindByLSA(ctx context.Context, lsa string) (*model.Loan, error) {
	data, err := s.rdb.Get(ctx, loanKey(lsa)).Bytes()
	if err == nil {
		var l model.Loan
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.FindByLSA(ctx, lsa)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, loanKey(lsa), data, s.ttl)
	}
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) FindByWallet(ctx context.Context, wallet, lsa string) ([]model.Loan, error) {
	return s.primary.FindByWallet(ctx, wallet, lsa)
}

func (s *CachedStore) ListLoans(ctx context.Context) ([]model.Loan, error) {
	return s.primary.ListLoans(ctx)
}

func (s *CachedStore) ListAutoRepaymentLoans(ctx context.Context) ([]model.Loan, error) {
	return s.primary.ListAutoRepaymentLoans(ctx)
}

func (s *CachedStore) SaveLoanInitTx(ctx context.Context, tx *model.LoanInitTx) error {
	return s.primary.SaveLoanInitTx(ctx, tx)
}

func (s *CachedStore) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	return s.primary.LoadCheckpoint(ctx, name)
}

func (s *CachedStore) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	return s.primary.SaveCheckpoint(ctx, name, block)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, lsa string) {
	s.rdb.Del(ctx, loanKey(lsa))
}

func loanKey(lsa string) string { return fmt.Sprintf("loan:%s", lsa) }

// RedisCheckpoints keeps subscription watermarks in Redis. Used when the
// ledger lives in a store whose checkpoint table is not wanted, or when
// several ledger replicas share one poller position.
type RedisCheckpoints struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCheckpoints creates a checkpoint store with keys under prefix.
func NewRedisCheckpoints(rdb *redis.Client, prefix string) *RedisCheckpoints {
	if prefix == "" {
		prefix = "checkpoint"
	}
	return &RedisCheckpoints{rdb: rdb, prefix: prefix}
}

func (c *RedisCheckpoints) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	block, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return block, true, nil
}

func (c *RedisCheckpoints) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	return c.rdb.Set(ctx, c.key(name), strconv.FormatUint(block, 10), 0).Err()
}

func (c *RedisCheckpoints) key(name string) string { return c.prefix + ":" + name }
