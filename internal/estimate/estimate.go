// Package estimate computes the cost breakdown a borrower sees before opening
// a loan: principal, down payment, strike price, amortized installment,
// interest, fees, insurance and the totals to approve.
//
// All money math runs on scaled integers (see package fixedpoint). Quote
// amounts are carried at the quote asset's decimals; interest-rate math is
// carried at fixedpoint.Decimals. Values are only descaled into decimals for
// the Result.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitmor/loan-engine/internal/fixedpoint"
	"github.com/bitmor/loan-engine/internal/instrument"
)

// DefaultInstallments is used when the request does not specify n.
const DefaultInstallments = 12

// Request bounds. They keep the scaled-integer math small: a decimal exponent
// or an installment count is otherwise unbounded user input.
const (
	MaxInstallments   = 360
	maxFractionDigits = 18
	maxInputLen       = 64
)

// MaxQuantity is the largest position an estimate accepts, in asset units.
var MaxQuantity = decimal.NewFromInt(21_000_000)

var (
	// ErrUpstream wraps failures of the price and options reads.
	ErrUpstream = errors.New("estimate: upstream read failed")

	// ErrInvalidInstallments is returned by CalculateEMI for n <= 0.
	ErrInvalidInstallments = errors.New("estimate: installment count must be positive")

	hundred = decimal.NewFromInt(100)
)

// ValidationError rejects a request before any upstream read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("estimate: invalid %s: %s", e.Field, e.Reason)
}

// PriceReader provides the two chain reads an estimate depends on.
type PriceReader interface {
	// SpotPrice returns the collateral asset price in quote units.
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
	// StrikePrice runs the on-chain strike computation over the deposit and
	// loan notionals, both scaled to the quote decimals.
	StrikePrice(ctx context.Context, depositNotional, loanNotional *big.Int) (decimal.Decimal, error)
}

// InstrumentLister lists options-venue instruments of one option type.
type InstrumentLister interface {
	ListInstruments(ctx context.Context, optionType string) ([]instrument.Instrument, error)
}

// Params are the protocol parameters applied to every estimate.
// Rates are percentages: 12 means 12%.
type Params struct {
	MaxInterestRate decimal.Decimal
	FlashLoanFee    decimal.Decimal // % of principal
	ProtocolFee     decimal.Decimal // % of position notional
	InsuranceRate   decimal.Decimal // % of position notional
	QuoteDecimals   int32
}

// Request is a validated estimation request.
type Request struct {
	Quantity       decimal.Decimal `json:"quantity"`
	DepositPercent decimal.Decimal `json:"depositPercent"`
	Installments   int64           `json:"installments"`
}

// Result is the full cost breakdown. Quote amounts are in quote units.
type Result struct {
	Quantity         decimal.Decimal    `json:"quantity"`
	DepositPercent   decimal.Decimal    `json:"depositPercent"`
	Installments     int64              `json:"installments"`
	LoanQuantity     decimal.Decimal    `json:"loanQuantity"`
	DepositQuantity  decimal.Decimal    `json:"depositQuantity"`
	SpotPrice        decimal.Decimal    `json:"spotPrice"`
	StrikePrice      decimal.Decimal    `json:"strikePrice"`
	MaxInterestRate  decimal.Decimal    `json:"maxInterestRate"`
	PeriodicRate     decimal.Decimal    `json:"periodicRate"`
	Principal        decimal.Decimal    `json:"principal"`
	DownPayment      decimal.Decimal    `json:"downPayment"`
	EMI              decimal.Decimal    `json:"emi"`
	Interest         decimal.Decimal    `json:"interest"`
	FlashLoanFee     decimal.Decimal    `json:"flashLoanFee"`
	ProtocolFee      decimal.Decimal    `json:"protocolFee"`
	Insurance        decimal.Decimal    `json:"insurance"`
	Total            decimal.Decimal    `json:"total"`
	DownPaymentTotal decimal.Decimal    `json:"downPaymentTotal"`
	ApprovalTotal    decimal.Decimal    `json:"approvalTotal"`
	Hedge            *instrument.Parsed `json:"hedge"`
}

// ParseRequest validates raw request values. An empty installments string
// selects DefaultInstallments.
func ParseRequest(quantity, depositPercent, installments string) (Request, error) {
	qty, err := parseBounded("quantity", quantity)
	if err != nil {
		return Request{}, err
	}
	dp, err := parseBounded("deposit", depositPercent)
	if err != nil {
		return Request{}, err
	}

	n := int64(DefaultInstallments)
	if installments != "" {
		v, err := parseBounded("installments", installments)
		if err != nil || !v.IsInteger() {
			return Request{}, &ValidationError{Field: "installments", Reason: "must be an integer"}
		}
		if v.GreaterThan(decimal.NewFromInt(MaxInstallments)) {
			return Request{}, &ValidationError{Field: "installments", Reason: fmt.Sprintf("must be at most %d", MaxInstallments)}
		}
		n = v.IntPart()
	}

	req := Request{Quantity: qty, DepositPercent: dp, Installments: n}
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// parseBounded parses a decimal input, rejecting oversized strings and
// exponents before any arithmetic touches the value.
func parseBounded(field, raw string) (decimal.Decimal, error) {
	if len(raw) > maxInputLen {
		return decimal.Decimal{}, &ValidationError{Field: field, Reason: "too long"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, &ValidationError{Field: field, Reason: "must be a number"}
	}
	if !exponentInRange(d) {
		return decimal.Decimal{}, &ValidationError{Field: field, Reason: "out of range"}
	}
	return d, nil
}

func exponentInRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	return exp >= -maxFractionDigits && exp <= maxFractionDigits
}

// validate checks the value ranges of a request. The exponent checks run
// first: comparing a decimal with a huge exponent materializes it.
func (r Request) validate() error {
	if !exponentInRange(r.Quantity) {
		return &ValidationError{Field: "quantity", Reason: "out of range"}
	}
	if !r.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if r.Quantity.GreaterThan(MaxQuantity) {
		return &ValidationError{Field: "quantity", Reason: "must be at most " + MaxQuantity.String()}
	}
	if !exponentInRange(r.DepositPercent) {
		return &ValidationError{Field: "deposit", Reason: "out of range"}
	}
	if r.DepositPercent.IsNegative() || r.DepositPercent.GreaterThanOrEqual(hundred) {
		return &ValidationError{Field: "deposit", Reason: "must be in [0, 100)"}
	}
	if r.Installments <= 0 {
		return &ValidationError{Field: "installments", Reason: "must be positive"}
	}
	if r.Installments > MaxInstallments {
		return &ValidationError{Field: "installments", Reason: fmt.Sprintf("must be at most %d", MaxInstallments)}
	}
	return nil
}

// Engine computes estimates. It is stateless apart from its collaborators.
type Engine struct {
	prices  PriceReader
	options InstrumentLister
	params  Params
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an estimation engine.
func NewEngine(prices PriceReader, options InstrumentLister, params Params, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		prices:  prices,
		options: options,
		params:  params,
		logger:  logger,
		now:     time.Now,
	}
}

// Estimate computes the full breakdown for req.
func (e *Engine) Estimate(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	qd := e.params.QuoteDecimals

	depositQty := req.Quantity.Mul(req.DepositPercent).Div(hundred)
	loanQty := req.Quantity.Sub(depositQty)
	if loanQty.IsNegative() {
		return nil, &ValidationError{Field: "deposit", Reason: "deposit cannot exceed the position"}
	}

	spot, err := e.prices.SpotPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: spot price: %v", ErrUpstream, err)
	}

	notional := fixedpoint.Scale(req.Quantity.Mul(spot), qd)
	principal := fixedpoint.Scale(loanQty.Mul(spot), qd)
	downPayment := fixedpoint.Scale(depositQty.Mul(spot), qd)

	strike, err := e.prices.StrikePrice(ctx, downPayment, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: strike price: %v", ErrUpstream, err)
	}

	hedge, err := e.selectHedge(ctx, strike)
	if err != nil {
		return nil, err
	}

	rate := fixedpoint.Scale(
		e.params.MaxInterestRate.Div(hundred).Div(decimal.NewFromInt(req.Installments)),
		fixedpoint.Decimals,
	)
	emi, err := CalculateEMI(principal, rate, req.Installments)
	if err != nil {
		return nil, err
	}

	interest := new(big.Int).Mul(emi, big.NewInt(req.Installments))
	interest.Sub(interest, principal)
	if interest.Sign() < 0 {
		// r = 0 truncation leaves a sub-unit remainder
		interest.SetInt64(0)
	}

	flashFee := percentOf(principal, e.params.FlashLoanFee)
	protocolFee := percentOf(notional, e.params.ProtocolFee)
	insurance := percentOf(notional, e.params.InsuranceRate)
	fees := new(big.Int).Add(flashFee, protocolFee)

	total := new(big.Int).Add(principal, interest)
	total.Add(total, fees)
	total.Add(total, insurance)

	upfront := new(big.Int).Add(downPayment, insurance)
	upfront.Add(upfront, fees)

	return &Result{
		Quantity:         req.Quantity,
		DepositPercent:   req.DepositPercent,
		Installments:     req.Installments,
		LoanQuantity:     loanQty,
		DepositQuantity:  depositQty,
		SpotPrice:        spot,
		StrikePrice:      strike,
		MaxInterestRate:  e.params.MaxInterestRate,
		PeriodicRate:     fixedpoint.DescaleDecimal(rate, fixedpoint.Decimals),
		Principal:        fixedpoint.DescaleDecimal(principal, qd),
		DownPayment:      fixedpoint.DescaleDecimal(downPayment, qd),
		EMI:              fixedpoint.DescaleDecimal(emi, qd),
		Interest:         fixedpoint.DescaleDecimal(interest, qd),
		FlashLoanFee:     fixedpoint.DescaleDecimal(flashFee, qd),
		ProtocolFee:      fixedpoint.DescaleDecimal(protocolFee, qd),
		Insurance:        fixedpoint.DescaleDecimal(insurance, qd),
		Total:            fixedpoint.DescaleDecimal(total, qd),
		DownPaymentTotal: fixedpoint.DescaleDecimal(upfront, qd),
		ApprovalTotal:    fixedpoint.DescaleDecimal(upfront, qd),
		Hedge:            hedge,
	}, nil
}

// selectHedge returns nil without error when no put qualifies.
func (e *Engine) selectHedge(ctx context.Context, strike decimal.Decimal) (*instrument.Parsed, error) {
	if e.options == nil {
		return nil, nil
	}
	insts, err := e.options.ListInstruments(ctx, instrument.OptionTypePut)
	if err != nil {
		return nil, fmt.Errorf("%w: instruments: %v", ErrUpstream, err)
	}
	hedge, err := instrument.SelectHedge(insts, strike, e.now())
	if errors.Is(err, instrument.ErrNoInstrument) {
		e.logger.Info("no hedge instrument below strike", "strike", strike.String(), "listed", len(insts))
		return nil, nil
	}
	return hedge, err
}

// CalculateEMI returns the amortized installment for principal over n periods
// at periodic rate r. principal may be at any scale; the result has the same
// scale. r is scaled by fixedpoint.Factor.
//
//	EMI = P·r·(1+r)^n / ((1+r)^n − 1)
//
// With r = 0 the compounding term is undefined and EMI = P/n.
func CalculateEMI(principal, r *big.Int, n int64) (*big.Int, error) {
	if n <= 0 {
		return nil, ErrInvalidInstallments
	}
	if r.Sign() == 0 {
		return new(big.Int).Quo(principal, big.NewInt(n)), nil
	}

	onePlusR := new(big.Int).Add(fixedpoint.Factor, r)
	pw, err := fixedpoint.Pow(onePlusR, n)
	if err != nil {
		return nil, err
	}

	num := new(big.Int).Mul(principal, r)
	num.Mul(num, pw)
	den := new(big.Int).Sub(pw, fixedpoint.Factor)
	den.Mul(den, fixedpoint.Factor)
	return fixedpoint.MulDiv(num, big.NewInt(1), den)
}

// percentOf returns amount * pct / 100 at amount's scale.
func percentOf(amount *big.Int, pct decimal.Decimal) *big.Int {
	scaledPct := fixedpoint.Scale(pct, fixedpoint.Decimals)
	den := new(big.Int).Mul(fixedpoint.Factor, big.NewInt(100))
	v, _ := fixedpoint.MulDiv(amount, scaledPct, den)
	return v
}
