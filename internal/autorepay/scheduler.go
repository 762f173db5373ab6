// Package autorepay pays due installments of loans that opted into
// auto-repayment. A cron trigger runs a cycle; each cycle submits at most one
// repayment per due loan and bounds the wait for its receipt.
package autorepay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bitmor/loan-engine/internal/chain"
	"github.com/bitmor/loan-engine/internal/metrics"
	"github.com/bitmor/loan-engine/internal/model"
)

// DefaultSpec runs a cycle every six hours.
const DefaultSpec = "0 */6 * * *"

// Loans lists the candidates of a cycle.
type Loans interface {
	ListAutoRepaymentLoans(ctx context.Context) ([]model.Loan, error)
}

// Chain submits repayments and reads their receipts.
type Chain interface {
	SendAutoRepayment(ctx context.Context, lsa, owner common.Address, amount *big.Int) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	ReceiptOf(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
}

// Config tunes the scheduler.
type Config struct {
	Spec           string
	ReceiptTimeout time.Duration
	Workers        int
	LockKey        string
	LockTTL        time.Duration
}

// Outcome is the per-loan result of a cycle.
type Outcome string

const (
	OutcomeNotDue    Outcome = "not_due"
	OutcomeSkipped   Outcome = "skipped"
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeFailed    Outcome = "failed"
)

// Summary counts the outcomes of one cycle.
type Summary struct {
	CycleID  string
	Locked   bool // another replica held the cycle lock
	Loans    int
	Outcomes map[Outcome]int
}

// Scheduler runs auto-repayment cycles.
type Scheduler struct {
	loans  Loans
	chain  Chain
	locker Locker
	cfg    Config
	logger *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	pending map[string]common.Hash // lsa -> submitted tx without a receipt yet
}

// New creates a scheduler. locker may be nil for a single replica.
func New(loans Loans, ch Chain, locker Locker, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 3 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "lock:autorepay"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &Scheduler{
		loans:   loans,
		chain:   ch,
		locker:  locker,
		cfg:     cfg,
		logger:  logger.With("component", "autorepay"),
		pending: make(map[string]common.Hash),
	}
}

// Start registers the cycle with cron and starts the trigger. Cycles run
// with ctx; a cycle still running when the next tick fires is not overlapped.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if _, err := s.RunCycle(ctx, time.Now().UTC()); err != nil {
			s.logger.Error("auto-repayment cycle failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("autorepay: schedule %q: %w", s.cfg.Spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("auto-repayment scheduler started", "spec", s.cfg.Spec)
	return nil
}

// Stop halts the trigger and waits for a running cycle, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("auto-repayment scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("auto-repayment scheduler stop timed out")
	}
}

// RunCycle processes every auto-repayment loan once. Loans are handled
// independently: a failure is logged and counted, never returned. The error
// covers only the cycle itself (lock or listing).
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (*Summary, error) {
	start := time.Now()
	sum := &Summary{CycleID: uuid.NewString(), Outcomes: make(map[Outcome]int)}
	logger := s.logger.With("cycle", sum.CycleID)

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return sum, err
		}
		if !ok {
			logger.Info("cycle lock held elsewhere, skipping")
			sum.Locked = true
			return sum, nil
		}
		defer release()
	}

	loans, err := s.loans.ListAutoRepaymentLoans(ctx)
	if err != nil {
		return sum, fmt.Errorf("autorepay: list loans: %w", err)
	}
	sum.Loans = len(loans)
	s.prunePending(loans)
	logger.Info("auto-repayment cycle started", "loans", len(loans))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for i := range loans {
		loan := &loans[i]
		g.Go(func() error {
			out := s.processLoan(ctx, loan, now, logger)
			metrics.AutoRepayments.WithLabelValues(string(out)).Inc()
			mu.Lock()
			sum.Outcomes[out]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	metrics.SchedulerCycleDuration.Observe(time.Since(start).Seconds())
	logger.Info("auto-repayment cycle completed", "loans", len(loans), "outcomes", sum.Outcomes)
	return sum, nil
}

func (s *Scheduler) processLoan(ctx context.Context, loan *model.Loan, now time.Time, logger *slog.Logger) (out Outcome) {
	lsa := loan.LSAAddress
	logger = logger.With("lsa", lsa)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("auto-repayment panicked", "panic", r)
			out = OutcomeFailed
		}
	}()

	if !loan.IsActive() {
		s.clearPending(lsa)
		logger.Info("skipping loan, already closed or liquidated")
		return OutcomeSkipped
	}

	if hash, ok := s.pendingTx(lsa); ok {
		res, resolved := s.checkPending(ctx, lsa, hash, logger)
		if !resolved {
			return res
		}
		if res == OutcomeConfirmed {
			// The repayment event may not be in the ledger yet, so the due
			// date below would still point at the paid installment.
			return res
		}
	}

	due, overdue := IsDue(loan, now)
	next := NextDue(loan)
	if !due {
		logger.Debug("loan not due yet", "due_in_hours", int(next.Sub(now).Hours()))
		return OutcomeNotDue
	}
	if overdue {
		logger.Warn("loan is overdue", "overdue_hours", int(now.Sub(next).Hours()))
	}

	amount, ok := new(big.Int).SetString(loan.EstimatedMonthlyPayment, 10)
	if !ok || amount.Sign() <= 0 {
		logger.Error("invalid estimated monthly payment", "amount", loan.EstimatedMonthlyPayment)
		return OutcomeFailed
	}

	logger.Info("executing auto-repayment", "amount", amount.String(), "owner", loan.Wallet)
	hash, err := s.chain.SendAutoRepayment(ctx, common.HexToAddress(lsa), common.HexToAddress(loan.Wallet), amount)
	if err != nil {
		logger.Error("auto-repayment submission failed", "err", err)
		return OutcomeFailed
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	receipt, err := s.chain.WaitForReceipt(waitCtx, hash)
	cancel()
	if err != nil {
		// The transaction is broadcast; its fate is settled at the next cycle.
		s.setPending(lsa, hash)
		logger.Warn("no receipt yet, marked pending", "tx", hash.Hex(), "err", err)
		return OutcomePending
	}
	return s.reportReceipt(receipt, logger)
}

// checkPending resolves a transaction left pending by an earlier cycle.
// resolved is false while the transaction is still unmined or unreadable.
func (s *Scheduler) checkPending(ctx context.Context, lsa string, hash common.Hash, logger *slog.Logger) (Outcome, bool) {
	receipt, err := s.chain.ReceiptOf(ctx, hash)
	if errors.Is(err, chain.ErrPending) {
		logger.Info("previous auto-repayment still pending", "tx", hash.Hex())
		return OutcomePending, false
	}
	if err != nil {
		logger.Error("pending receipt lookup failed", "tx", hash.Hex(), "err", err)
		return OutcomePending, false
	}
	s.clearPending(lsa)
	return s.reportReceipt(receipt, logger), true
}

func (s *Scheduler) reportReceipt(r *chain.Receipt, logger *slog.Logger) Outcome {
	if r.Succeeded() {
		logger.Info("auto-repayment successful", "tx", r.TxHash.Hex(), "block", r.BlockNumber)
		return OutcomeConfirmed
	}
	logger.Error("auto-repayment transaction reverted", "tx", r.TxHash.Hex(), "block", r.BlockNumber)
	return OutcomeReverted
}

func (s *Scheduler) pendingTx(lsa string) (common.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[lsa]
	return h, ok
}

func (s *Scheduler) setPending(lsa string, h common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[lsa] = h
}

func (s *Scheduler) clearPending(lsa string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, lsa)
}

// prunePending forgets transactions of loans that left the auto-repayment
// listing (disabled, closed or liquidated since they were submitted).
func (s *Scheduler) prunePending(loans []model.Loan) {
	listed := make(map[string]struct{}, len(loans))
	for i := range loans {
		listed[loans[i].LSAAddress] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for lsa := range s.pending {
		if _, ok := listed[lsa]; !ok {
			delete(s.pending, lsa)
		}
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
