// Package reconcile turns confirmed chain events into ledger mutations.
//
// Delivery is at-least-once: log ranges are replayed after restarts and
// failed batches, so every handler is idempotent. Mutations for one LSA are
// serialized; events for different LSAs run concurrently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/bitmor/loan-engine/internal/chain"
	"github.com/bitmor/loan-engine/internal/events"
	"github.com/bitmor/loan-engine/internal/metrics"
	"github.com/bitmor/loan-engine/internal/model"
	"github.com/bitmor/loan-engine/internal/store"
)

// Permanent failures. The event is logged and dropped; retrying cannot help.
var (
	ErrUnknownLoan    = errors.New("reconcile: no ledger record for lsa")
	ErrMalformedEvent = errors.New("reconcile: malformed event")
	ErrLoanNotOnChain = errors.New("reconcile: loan not readable on chain")
	ErrLoanTerminal   = errors.New("reconcile: loan is in a terminal state")
)

// Permanent reports whether err should drop the event instead of retrying it.
func Permanent(err error) bool {
	return errors.Is(err, ErrUnknownLoan) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrLoanNotOnChain) ||
		errors.Is(err, ErrLoanTerminal)
}

// Chain is the subset of the chain facade the reconciler reads.
type Chain interface {
	LoanByAccount(ctx context.Context, lsa common.Address) (*chain.LoanData, error)
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	Transaction(ctx context.Context, hash common.Hash) (*chain.TxInfo, error)
}

// Update describes one applied ledger mutation.
type Update struct {
	Kind        events.Kind
	Loan        *model.Loan
	TxHash      string
	BlockNumber uint64
}

// Publisher receives applied mutations, e.g. for a live feed.
type Publisher interface {
	PublishLoanUpdate(Update)
}

// Reconciler applies canonical events to the ledger.
type Reconciler struct {
	store         store.Store
	chain         Chain
	autoRepayment common.Address
	pub           Publisher
	locks         *keyedMutex
	logger        *slog.Logger
}

// New creates a reconciler. autoRepayment is the contract whose transactions
// classify a repayment as automatic. pub may be nil.
func New(st store.Store, ch Chain, autoRepayment common.Address, pub Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:         st,
		chain:         ch,
		autoRepayment: autoRepayment,
		pub:           pub,
		locks:         newKeyedMutex(),
		logger:        logger,
	}
}

// ClassifyRepayment decides how a repayment reached the loan. Micro
// liquidations are identified by the event itself; loan repayments by the
// destination of the transaction that emitted them.
func ClassifyRepayment(kind events.Kind, txTo *common.Address, autoRepayment common.Address) model.PaymentType {
	if kind == events.KindMicroLiquidation {
		return model.PaymentMicroLiquidation
	}
	if txTo != nil && autoRepayment != (common.Address{}) && *txTo == autoRepayment {
		return model.PaymentAutoRepayment
	}
	return model.PaymentRegular
}

type outcome string

const (
	outcomeApplied outcome = "applied"
	outcomeNoop    outcome = "noop"
	outcomeIgnored outcome = "ignored"
)

// Handle applies one event. A nil error covers both applied and already-applied
// events. Errors matching Permanent mean the event should be dropped; any
// other error is transient.
func (r *Reconciler) Handle(ctx context.Context, ev events.Event) error {
	if ev.LSA == (common.Address{}) {
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind), "dropped").Inc()
		return fmt.Errorf("%w: %s without lsa", ErrMalformedEvent, ev.Kind)
	}

	start := time.Now()
	lsa := ev.LSA.Hex()
	unlock := r.locks.Lock(lsa)
	res, err := r.apply(ctx, ev, lsa)
	unlock()
	metrics.ReconcileLatency.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind), string(res)).Inc()
	case Permanent(err):
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind), "dropped").Inc()
	default:
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind), "failed").Inc()
	}
	return err
}

func (r *Reconciler) apply(ctx context.Context, ev events.Event, lsa string) (outcome, error) {
	switch ev.Kind {
	case events.KindLoanCreated:
		return r.onCreated(ctx, ev, lsa)
	case events.KindLoanRepaid, events.KindMicroLiquidation:
		return r.onRepayment(ctx, ev, lsa)
	case events.KindLoanClosed:
		return r.onClosed(ctx, ev, lsa)
	case events.KindLiquidation:
		return r.onLiquidated(ctx, ev, lsa)
	case events.KindAutoRepaymentCreated:
		return r.onAutoRepayment(ctx, ev, lsa, true)
	case events.KindAutoRepaymentCancelled:
		return r.onAutoRepayment(ctx, ev, lsa, false)
	default:
		return "", fmt.Errorf("%w: unhandled kind %q", ErrMalformedEvent, ev.Kind)
	}
}

func (r *Reconciler) onCreated(ctx context.Context, ev events.Event, lsa string) (outcome, error) {
	if _, err := r.store.FindByLSA(ctx, lsa); err == nil {
		return outcomeNoop, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	data, err := r.chain.LoanByAccount(ctx, ev.LSA)
	if errors.Is(err, chain.ErrLoanNotFound) {
		return "", fmt.Errorf("%w: %s", ErrLoanNotOnChain, lsa)
	}
	if err != nil {
		return "", err
	}
	if ev.Amount != nil && data.LoanAmount != nil && ev.Amount.Cmp(data.LoanAmount) != 0 {
		r.logger.Warn("loan amount differs between event and contract",
			"lsa", lsa, "event_amount", ev.Amount.String(), "contract_amount", data.LoanAmount.String())
	}

	createdAt, err := r.chain.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return "", err
	}
	price, err := r.chain.SpotPrice(ctx)
	if err != nil {
		return "", err
	}
	tx, err := r.chain.Transaction(ctx, ev.TxHash)
	if err != nil {
		return "", err
	}

	if err := r.store.SaveLoanInitTx(ctx, &model.LoanInitTx{
		LSAAddress:  lsa,
		TxHash:      ev.TxHash.Hex(),
		BlockNumber: tx.BlockNumber,
		Status:      tx.Status,
		GasUsed:     tx.GasUsed,
		LogCount:    len(tx.Logs),
		RecordedAt:  createdAt,
	}); err != nil {
		return "", fmt.Errorf("save init tx: %w", err)
	}

	loan := &model.Loan{
		LSAAddress:              lsa,
		Wallet:                  data.Borrower.Hex(),
		Deposit:                 bigString(data.DepositAmount),
		Loan:                    bigString(data.LoanAmount),
		Collateral:              bigString(data.CollateralAmount),
		EstimatedMonthlyPayment: bigString(data.EstimatedMonthlyPayment),
		Duration:                bigString(data.Duration),
		PriceAtBuy:              price,
		Salt:                    strconv.FormatInt(createdAt.Unix(), 10),
		CreatedAt:               createdAt,
	}
	if err := r.store.CreateLoan(ctx, loan); err != nil {
		if errors.Is(err, store.ErrLoanExists) {
			return outcomeNoop, nil
		}
		return "", fmt.Errorf("create loan: %w", err)
	}

	r.logger.Info("loan created",
		"lsa", lsa,
		"wallet", loan.Wallet,
		"deposit", loan.Deposit,
		"loan", loan.Loan,
		"price_at_buy", price.String(),
		"block", ev.BlockNumber,
	)
	r.publish(ev, loan)
	return outcomeApplied, nil
}

func (r *Reconciler) onRepayment(ctx context.Context, ev events.Event, lsa string) (outcome, error) {
	if ev.Amount == nil {
		return "", fmt.Errorf("%w: %s without amount", ErrMalformedEvent, ev.Kind)
	}
	loan, res, err := r.loadLoan(ctx, ev, lsa)
	if loan == nil {
		return res, err
	}
	txHash := ev.TxHash.Hex()
	if loan.HasRepayment(txHash) {
		return outcomeNoop, nil
	}
	if loan.FullyLiquidatedDate != nil {
		return "", fmt.Errorf("%w: repayment %s after liquidation of %s", ErrLoanTerminal, txHash, lsa)
	}

	var txTo *common.Address
	if ev.Kind == events.KindLoanRepaid {
		tx, err := r.chain.Transaction(ctx, ev.TxHash)
		if err != nil {
			return "", err
		}
		txTo = tx.To
	}
	paidAt, err := r.chain.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return "", err
	}

	rep := model.Repayment{
		TxHash:      txHash,
		Amount:      ev.Amount.String(),
		PaymentDate: paidAt.Unix(),
		PaymentType: ClassifyRepayment(ev.Kind, txTo, r.autoRepayment),
	}
	switch err := r.store.AppendRepayment(ctx, lsa, rep); {
	case errors.Is(err, store.ErrDuplicateRepayment):
		return outcomeNoop, nil
	case errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("%w: %s", ErrUnknownLoan, lsa)
	case errors.Is(err, store.ErrLoanLiquidated):
		return "", fmt.Errorf("%w: %s", ErrLoanTerminal, lsa)
	case err != nil:
		return "", fmt.Errorf("append repayment: %w", err)
	}

	metrics.RepaymentsRecorded.WithLabelValues(string(rep.PaymentType)).Inc()
	r.logger.Info("repayment recorded",
		"lsa", lsa,
		"tx", txHash,
		"amount", rep.Amount,
		"type", rep.PaymentType,
	)
	loan.Repayments = append(loan.Repayments, rep)
	r.publish(ev, loan)
	return outcomeApplied, nil
}

func (r *Reconciler) onClosed(ctx context.Context, ev events.Event, lsa string) (outcome, error) {
	loan, res, err := r.loadLoan(ctx, ev, lsa)
	if loan == nil {
		return res, err
	}
	if loan.EarlyCloseDate != nil {
		return outcomeNoop, nil
	}
	at, err := r.chain.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return "", err
	}
	if err := r.store.SetEarlyCloseDate(ctx, lsa, at); err != nil {
		return "", r.mapStoreErr(err, lsa)
	}
	r.logger.Info("loan closed early", "lsa", lsa, "close_date", at)
	loan.EarlyCloseDate = &at
	r.publish(ev, loan)
	return outcomeApplied, nil
}

func (r *Reconciler) onLiquidated(ctx context.Context, ev events.Event, lsa string) (outcome, error) {
	loan, res, err := r.loadLoan(ctx, ev, lsa)
	if loan == nil {
		return res, err
	}
	if loan.FullyLiquidatedDate != nil {
		return outcomeNoop, nil
	}
	at, err := r.chain.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return "", err
	}
	if err := r.store.SetLiquidatedDate(ctx, lsa, at); err != nil {
		return "", r.mapStoreErr(err, lsa)
	}
	r.logger.Info("loan fully liquidated",
		"lsa", lsa,
		"liquidation_date", at,
		"debt_covered", bigString(ev.Amount),
		"liquidator", ev.Liquidator.Hex(),
	)
	loan.FullyLiquidatedDate = &at
	r.publish(ev, loan)
	return outcomeApplied, nil
}

func (r *Reconciler) onAutoRepayment(ctx context.Context, ev events.Event, lsa string, enabled bool) (outcome, error) {
	loan, res, err := r.loadLoan(ctx, ev, lsa)
	if loan == nil {
		return res, err
	}
	// The loaded record may come from a read-through cache, so the flag is
	// always written. SetAutoRepayment is idempotent for a replayed event.
	at, err := r.chain.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return "", err
	}
	if err := r.store.SetAutoRepayment(ctx, lsa, enabled, at); err != nil {
		return "", r.mapStoreErr(err, lsa)
	}
	r.logger.Info("auto-repayment toggled", "lsa", lsa, "enabled", enabled, "user", ev.Account.Hex())

	ar := &model.AutoRepayment{Enabled: enabled}
	if loan.AutoRepayment != nil {
		ar.EnabledAt = loan.AutoRepayment.EnabledAt
	}
	if enabled {
		ar.EnabledAt = &at
	}
	loan.AutoRepayment = ar
	r.publish(ev, loan)
	return outcomeApplied, nil
}

// loadLoan returns the ledger record for an event. A nil loan means the
// handler should stop and return the accompanying outcome and error. Lending
// pool events cover every account of the pool, so an unknown user there is
// not an error.
func (r *Reconciler) loadLoan(ctx context.Context, ev events.Event, lsa string) (*model.Loan, outcome, error) {
	loan, err := r.store.FindByLSA(ctx, lsa)
	if err == nil {
		return loan, "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}
	if ev.Kind.Source() == events.SourceLendingPool {
		r.logger.Debug("lending pool event for foreign account", "kind", ev.Kind, "user", lsa)
		return nil, outcomeIgnored, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownLoan, lsa)
}

func (r *Reconciler) mapStoreErr(err error, lsa string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownLoan, lsa)
	}
	return err
}

func (r *Reconciler) publish(ev events.Event, loan *model.Loan) {
	if r.pub == nil {
		return
	}
	r.pub.PublishLoanUpdate(Update{
		Kind:        ev.Kind,
		Loan:        loan,
		TxHash:      ev.TxHash.Hex(),
		BlockNumber: ev.BlockNumber,
	})
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
