package autorepay

import (
	"time"

	"github.com/bitmor/loan-engine/internal/model"
)

const (
	// InstallmentPeriod is the spacing between monthly installments.
	InstallmentPeriod = 30 * 24 * time.Hour

	// DueWindow is how early before the due date a payment is submitted.
	DueWindow = 24 * time.Hour
)

// NextDue returns when the next installment is due: one period after the
// last repayment of any type, or after origination when there is none.
func NextDue(l *model.Loan) time.Time {
	if last, ok := l.LastRepayment(); ok {
		return time.Unix(last.PaymentDate, 0).UTC().Add(InstallmentPeriod)
	}
	return l.CreatedAt.UTC().Add(InstallmentPeriod)
}

// IsDue reports whether the loan should be paid at now, and whether the
// installment is already past due.
func IsDue(l *model.Loan, now time.Time) (due, overdue bool) {
	next := NextDue(l)
	if now.Before(next.Add(-DueWindow)) {
		return false, false
	}
	return true, now.After(next)
}
