// Package model defines the ledger's domain types: the off-chain mirror of one
// on-chain loan position and its append-only repayment history.
//
// Token amounts are decimal strings of raw integers in the asset's own
// decimals (USDC: 6, cbBTC: 8). They are never converted to float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType classifies how a repayment reached the loan. The set is closed.
type PaymentType string

const (
	PaymentRegular          PaymentType = "regular"
	PaymentMicroLiquidation PaymentType = "microLiquidation"
	PaymentAutoRepayment    PaymentType = "autoRepayment"
)

// Valid reports whether p is one of the known payment types.
func (p PaymentType) Valid() bool {
	switch p {
	case PaymentRegular, PaymentMicroLiquidation, PaymentAutoRepayment:
		return true
	}
	return false
}

// Status is the reconciler's view of a loan's lifecycle.
type Status string

const (
	StatusActive      Status = "active"
	StatusEarlyClosed Status = "earlyClosed"
	StatusLiquidated  Status = "liquidated"
)

// Repayment is one confirmed transaction that reduced the outstanding balance.
// Immutable once appended. TxHash is unique within a loan's history.
type Repayment struct {
	TxHash      string      `json:"txHash"`
	Amount      string      `json:"amount"`
	PaymentDate int64       `json:"paymentDate"` // unix seconds, block time
	PaymentType PaymentType `json:"paymentType"`
}

// AutoRepayment is the opt-in flag layered on an active loan.
type AutoRepayment struct {
	Enabled   bool       `json:"enabled"`
	EnabledAt *time.Time `json:"enabledAt,omitempty"`
}

// Loan is the off-chain record of one loan-specific account (LSA).
// LSAAddress is the identity: at most one Loan per LSA.
type Loan struct {
	LSAAddress              string          `json:"lsaAddress"`
	Wallet                  string          `json:"wallet"`
	Deposit                 string          `json:"deposit"`
	Loan                    string          `json:"loan"`
	Collateral              string          `json:"collateral"`
	EstimatedMonthlyPayment string          `json:"estimatedMonthlyPayment"`
	Duration                string          `json:"duration"`
	PriceAtBuy              decimal.Decimal `json:"priceAtBuy"`
	Salt                    string          `json:"salt"`      // creation block timestamp, decimal seconds
	CreatedAt               time.Time       `json:"createdAt"` // creation block time
	EarlyCloseDate          *time.Time      `json:"earlyCloseDate,omitempty"`
	FullyLiquidatedDate     *time.Time      `json:"fullyLiquidatedDate,omitempty"`
	AutoRepayment           *AutoRepayment  `json:"autoRepayment,omitempty"`
	Repayments              []Repayment     `json:"repayments"`
}

// Status resolves the lifecycle state. When both terminal dates are set the
// later one wins; on a tie liquidation wins.
func (l *Loan) Status() Status {
	closed, liquidated := l.EarlyCloseDate, l.FullyLiquidatedDate
	switch {
	case closed == nil && liquidated == nil:
		return StatusActive
	case closed == nil:
		return StatusLiquidated
	case liquidated == nil:
		return StatusEarlyClosed
	case closed.After(*liquidated):
		return StatusEarlyClosed
	default:
		return StatusLiquidated
	}
}

// IsActive reports whether the loan has no terminal marker.
func (l *Loan) IsActive() bool {
	return l.Status() == StatusActive
}

// AutoRepaymentEnabled reports whether the scheduler should consider the loan.
func (l *Loan) AutoRepaymentEnabled() bool {
	return l.AutoRepayment != nil && l.AutoRepayment.Enabled
}

// HasRepayment reports whether txHash is already in the repayment history.
func (l *Loan) HasRepayment(txHash string) bool {
	for _, r := range l.Repayments {
		if r.TxHash == txHash {
			return true
		}
	}
	return false
}

// LastRepayment returns the most recently appended repayment, if any.
func (l *Loan) LastRepayment() (Repayment, bool) {
	if len(l.Repayments) == 0 {
		return Repayment{}, false
	}
	return l.Repayments[len(l.Repayments)-1], true
}

// Clone returns a deep copy so stores can hand out records safely.
func (l *Loan) Clone() *Loan {
	c := *l
	c.EarlyCloseDate = cloneTime(l.EarlyCloseDate)
	c.FullyLiquidatedDate = cloneTime(l.FullyLiquidatedDate)
	if l.AutoRepayment != nil {
		ar := *l.AutoRepayment
		ar.EnabledAt = cloneTime(l.AutoRepayment.EnabledAt)
		c.AutoRepayment = &ar
	}
	c.Repayments = append([]Repayment(nil), l.Repayments...)
	return &c
}

// LoanInitTx is the audit record of the transaction that opened a loan.
type LoanInitTx struct {
	LSAAddress  string    `json:"lsaAddress"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	Status      uint64    `json:"status"`
	GasUsed     uint64    `json:"gasUsed"`
	LogCount    int       `json:"logCount"`
	RecordedAt  time.Time `json:"recordedAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
