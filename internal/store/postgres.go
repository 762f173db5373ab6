package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bitmor/loan-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL. Token amounts are stored
// as NUMERIC and read back as text so raw integers round-trip exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const loanColumns = `lsa_address, wallet,
	deposit::TEXT, loan::TEXT, collateral::TEXT, estimated_monthly_payment::TEXT,
	duration, price_at_buy::TEXT, salt, created_at,
	early_close_date, fully_liquidated_date,
	auto_repayment_enabled, auto_repayment_enabled_at`

func (s *PostgresStore) FindByLSA(ctx context.Context, lsa string) (*model.Loan, error) {
	l, err := scanLoan(s.pool.QueryRow(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE lsa_address = $1`, lsa))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find loan %s: %w", lsa, err)
	}

	loans := []model.Loan{*l}
	if err := s.loadRepayments(ctx, loans); err != nil {
		return nil, err
	}
	return &loans[0], nil
}

func (s *PostgresStore) FindByWallet(ctx context.Context, wallet, lsa string) ([]model.Loan, error) {
	return s.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE wallet = $1 AND ($2 = '' OR lsa_address = $2)
		 ORDER BY created_at`, wallet, lsa)
}

func (s *PostgresStore) ListLoans(ctx context.Context) ([]model.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at`)
}

func (s *PostgresStore) ListAutoRepaymentLoans(ctx context.Context) ([]model.Loan, error) {
	return s.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE auto_repayment_enabled
		   AND early_close_date IS NULL
		   AND fully_liquidated_date IS NULL
		 ORDER BY created_at`)
}

func (s *PostgresStore) CreateLoan(ctx context.Context, l *model.Loan) error {
	var arEnabled *bool
	var arAt *time.Time
	if l.AutoRepayment != nil {
		arEnabled = &l.AutoRepayment.Enabled
		arAt = l.AutoRepayment.EnabledAt
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO loans (lsa_address, wallet, deposit, loan, collateral, estimated_monthly_payment,
		                    duration, price_at_buy, salt, created_at,
		                    early_close_date, fully_liquidated_date,
		                    auto_repayment_enabled, auto_repayment_enabled_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7, $8::NUMERIC, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (lsa_address) DO NOTHING`,
		l.LSAAddress, l.Wallet, l.Deposit, l.Loan, l.Collateral, l.EstimatedMonthlyPayment,
		l.Duration, l.PriceAtBuy.String(), l.Salt, l.CreatedAt,
		l.EarlyCloseDate, l.FullyLiquidatedDate, arEnabled, arAt,
	)
	if err != nil {
		return fmt.Errorf("create loan %s: %w", l.LSAAddress, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLoanExists
	}
	return nil
}

// AppendRepayment inserts in one statement, guarded by the liquidation date
// and the (lsa, tx_hash) unique key. When nothing is inserted a follow-up read
// only classifies the error.
func (s *PostgresStore) AppendRepayment(ctx context.Context, lsa string, r model.Repayment) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO repayments (lsa_address, tx_hash, amount, payment_date, payment_type)
		 SELECT lsa_address, $2, $3::NUMERIC, $4, $5
		 FROM loans WHERE lsa_address = $1 AND fully_liquidated_date IS NULL
		 ON CONFLICT (lsa_address, tx_hash) DO NOTHING`,
		lsa, r.TxHash, r.Amount, r.PaymentDate, string(r.PaymentType),
	)
	if err != nil {
		return fmt.Errorf("append repayment %s: %w", lsa, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var liquidated bool
	err = s.pool.QueryRow(ctx,
		`SELECT fully_liquidated_date IS NOT NULL FROM loans WHERE lsa_address = $1`, lsa).
		Scan(&liquidated)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("append repayment %s: %w", lsa, err)
	case liquidated:
		return ErrLoanLiquidated
	default:
		return ErrDuplicateRepayment
	}
}

func (s *PostgresStore) SetEarlyCloseDate(ctx context.Context, lsa string, at time.Time) error {
	return s.updateOne(ctx, `UPDATE loans SET early_close_date = $2 WHERE lsa_address = $1`, lsa, at.UTC())
}

func (s *PostgresStore) SetLiquidatedDate(ctx context.Context, lsa string, at time.Time) error {
	return s.updateOne(ctx, `UPDATE loans SET fully_liquidated_date = $2 WHERE lsa_address = $1`, lsa, at.UTC())
}

func (s *PostgresStore) SetAutoRepayment(ctx context.Context, lsa string, enabled bool, at time.Time) error {
	return s.updateOne(ctx,
		`UPDATE loans
		 SET auto_repayment_enabled = $2,
		     auto_repayment_enabled_at = CASE WHEN $2 THEN $3 ELSE auto_repayment_enabled_at END
		 WHERE lsa_address = $1`, lsa, enabled, at.UTC())
}

func (s *PostgresStore) SaveLoanInitTx(ctx context.Context, tx *model.LoanInitTx) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loan_init_txs (lsa_address, tx_hash, block_number, status, gas_used, log_count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (lsa_address) DO NOTHING`,
		tx.LSAAddress, tx.TxHash, int64(tx.BlockNumber), int64(tx.Status), int64(tx.GasUsed), tx.LogCount, tx.RecordedAt,
	)
	return err
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM checkpoints WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (name, block) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block`, name, int64(block))
	return err
}

func (s *PostgresStore) updateOne(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryLoans(ctx context.Context, sql string, args ...interface{}) ([]model.Loan, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadRepayments(ctx, loans); err != nil {
		return nil, err
	}
	return loans, nil
}

// loadRepayments fills each loan's history in insertion order.
func (s *PostgresStore) loadRepayments(ctx context.Context, loans []model.Loan) error {
	if len(loans) == 0 {
		return nil
	}
	index := make(map[string]int, len(loans))
	keys := make([]string, len(loans))
	for i, l := range loans {
		index[l.LSAAddress] = i
		keys[i] = l.LSAAddress
	}

	rows, err := s.pool.Query(ctx,
		`SELECT lsa_address, tx_hash, amount::TEXT, payment_date, payment_type
		 FROM repayments WHERE lsa_address = ANY($1) ORDER BY id`, keys)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var lsa, paymentType string
		var r model.Repayment
		if err := rows.Scan(&lsa, &r.TxHash, &r.Amount, &r.PaymentDate, &paymentType); err != nil {
			return err
		}
		r.PaymentType = model.PaymentType(paymentType)
		i := index[lsa]
		loans[i].Repayments = append(loans[i].Repayments, r)
	}
	return rows.Err()
}

func scanLoan(row pgx.Row) (*model.Loan, error) {
	var l model.Loan
	var priceAtBuy string
	var arEnabled *bool
	var arAt *time.Time

	if err := row.Scan(&l.LSAAddress, &l.Wallet,
		&l.Deposit, &l.Loan, &l.Collateral, &l.EstimatedMonthlyPayment,
		&l.Duration, &priceAtBuy, &l.Salt, &l.CreatedAt,
		&l.EarlyCloseDate, &l.FullyLiquidatedDate,
		&arEnabled, &arAt); err != nil {
		return nil, err
	}

	l.PriceAtBuy, _ = decimal.NewFromString(priceAtBuy)
	if arEnabled != nil {
		l.AutoRepayment = &model.AutoRepayment{Enabled: *arEnabled, EnabledAt: arAt}
	}
	return &l, nil
}
