package store

import (
	"context"
	"sync"
	"time"

	"github.com/bitmor/loan-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	loans       map[string]*model.Loan
	order       []string // insertion order, for stable listings
	initTxs     map[string]model.LoanInitTx
	checkpoints map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:       make(map[string]*model.Loan),
		initTxs:     make(map[string]model.LoanInitTx),
		checkpoints: make(map[string]uint64),
	}
}

func (s *MemoryStore) FindByLSA(_ context.Context, lsa string) (*model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[lsa]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (s *MemoryStore) FindByWallet(_ context.Context, wallet, lsa string) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Loan
	for _, id := range s.order {
		l := s.loans[id]
		if l.Wallet != wallet {
			continue
		}
		if lsa != "" && l.LSAAddress != lsa {
			continue
		}
		result = append(result, *l.Clone())
	}
	return result, nil
}

func (s *MemoryStore) ListLoans(_ context.Context) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Loan, 0, len(s.loans))
	for _, id := range s.order {
		result = append(result, *s.loans[id].Clone())
	}
	return result, nil
}

func (s *MemoryStore) ListAutoRepaymentLoans(_ context.Context) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Loan
	for _, id := range s.order {
		l := s.loans[id]
		if l.AutoRepaymentEnabled() && l.EarlyCloseDate == nil && l.FullyLiquidatedDate == nil {
			result = append(result, *l.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateLoan(_ context.Context, loan *model.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loans[loan.LSAAddress]; exists {
		return ErrLoanExists
	}
	s.loans[loan.LSAAddress] = loan.Clone()
	s.order = append(s.order, loan.LSAAddress)
	return nil
}

func (s *MemoryStore) AppendRepayment(_ context.Context, lsa string, r model.Repayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[lsa]
	if !ok {
		return ErrNotFound
	}
	if l.FullyLiquidatedDate != nil {
		return ErrLoanLiquidated
	}
	if l.HasRepayment(r.TxHash) {
		return ErrDuplicateRepayment
	}
	l.Repayments = append(l.Repayments, r)
	return nil
}

func (s *MemoryStore) SetEarlyCloseDate(_ context.Context, lsa string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[lsa]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	l.EarlyCloseDate = &t
	return nil
}

func (s *MemoryStore) SetLiquidatedDate(_ context.Context, lsa string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[lsa]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	l.FullyLiquidatedDate = &t
	return nil
}

func (s *MemoryStore) SetAutoRepayment(_ context.Context, lsa string, enabled bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[lsa]
	if !ok {
		return ErrNotFound
	}
	ar := &model.AutoRepayment{Enabled: enabled}
	if l.AutoRepayment != nil {
		ar.EnabledAt = l.AutoRepayment.EnabledAt
	}
	if enabled {
		t := at.UTC()
		ar.EnabledAt = &t
	}
	l.AutoRepayment = ar
	return nil
}

func (s *MemoryStore) SaveLoanInitTx(_ context.Context, tx *model.LoanInitTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initTxs[tx.LSAAddress] = *tx
	return nil
}

// LoanInitTx returns the stored audit record. Test helper.
func (s *MemoryStore) LoanInitTx(lsa string) (model.LoanInitTx, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.initTxs[lsa]
	return tx, ok
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, name string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	block, ok := s.checkpoints[name]
	return block, ok, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, name string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[name] = block
	return nil
}
