// Package store defines the persistence interface for the loan ledger.
// Implementations include MongoDB (document store, source of truth),
// PostgreSQL (relational alternative), Redis (read-through cache) and
// in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bitmor/loan-engine/internal/model"
)

var (
	// ErrNotFound is returned when no loan exists for the LSA.
	ErrNotFound = errors.New("store: loan not found")

	// ErrLoanExists is returned by CreateLoan when the LSA is already recorded.
	ErrLoanExists = errors.New("store: loan already exists")

	// ErrDuplicateRepayment is returned when the tx hash is already in the
	// loan's repayment history. Callers treat it as a no-op.
	ErrDuplicateRepayment = errors.New("store: repayment already recorded")

	// ErrLoanLiquidated is returned when appending to a fully liquidated loan.
	ErrLoanLiquidated = errors.New("store: loan is fully liquidated")
)

// Store is the ledger persistence interface. All mutations are single atomic
// operations at the storage layer; none of them is read-modify-write.
type Store interface {
	// --- Queries ---

	// FindByLSA returns the loan for one loan-specific account.
	FindByLSA(ctx context.Context, lsa string) (*model.Loan, error)

	// FindByWallet returns the loans owned by wallet, optionally narrowed to one LSA.
	FindByWallet(ctx context.Context, wallet, lsa string) ([]model.Loan, error)

	// ListLoans returns every loan.
	ListLoans(ctx context.Context) ([]model.Loan, error)

	// ListAutoRepaymentLoans returns loans with auto-repayment enabled and no
	// terminal date set.
	ListAutoRepaymentLoans(ctx context.Context) ([]model.Loan, error)

	// --- Mutations ---

	// CreateLoan inserts a new loan. Fails with ErrLoanExists if the LSA is taken.
	CreateLoan(ctx context.Context, loan *model.Loan) error

	// AppendRepayment adds one entry to the end of the repayment history.
	// Fails with ErrNotFound, ErrDuplicateRepayment or ErrLoanLiquidated.
	AppendRepayment(ctx context.Context, lsa string, r model.Repayment) error

	// SetEarlyCloseDate records an early closure. Idempotent.
	SetEarlyCloseDate(ctx context.Context, lsa string, at time.Time) error

	// SetLiquidatedDate records a full liquidation. Idempotent.
	SetLiquidatedDate(ctx context.Context, lsa string, at time.Time) error

	// SetAutoRepayment toggles the auto-repayment flag.
	SetAutoRepayment(ctx context.Context, lsa string, enabled bool, at time.Time) error

	// SaveLoanInitTx stores the audit record of the opening transaction.
	SaveLoanInitTx(ctx context.Context, tx *model.LoanInitTx) error

	Checkpoints
}

// Checkpoints persists the last fully processed block per event subscription,
// so log polling resumes where it stopped after a restart.
type Checkpoints interface {
	// LoadCheckpoint returns the watermark for name and whether one exists.
	LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error)

	// SaveCheckpoint stores the watermark for name.
	SaveCheckpoint(ctx context.Context, name string, block uint64) error
}
