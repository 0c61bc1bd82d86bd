// Package recurring computes due dates and amounts for monthly
// installment schedules.
//
// Installment k (0-indexed) is due at firstPaymentTime + k*period. The
// period approximates one calendar month and is configurable so test
// and short-cycle deployment profiles can compress schedules.
package recurring

import (
	"math/big"
	"time"

	"github.com/chronopay/chronopay/internal/currency"
	"github.com/chronopay/chronopay/internal/payment"
)

// DueInstallment identifies the next installment whose due time has
// been reached.
type DueInstallment struct {
	Index  int       `json:"index"`
	Amount *big.Int  `json:"-"`
	DueAt  time.Time `json:"dueAt"`
}

// Scheduler computes installment schedules for recurring payments.
type Scheduler struct {
	period time.Duration
}

// NewScheduler creates a scheduler with the given installment period.
func NewScheduler(period time.Duration) *Scheduler {
	if period <= 0 {
		period = payment.DefaultInstallmentPeriod
	}
	return &Scheduler{period: period}
}

// Period returns the configured installment period.
func (s *Scheduler) Period() time.Duration { return s.period }

// NextDue returns the next due installment of p, or false when nothing
// is due: the record is not an active recurring payment, all months are
// executed, or the next installment's due time is still in the future.
//
// The index returned is always exactly executedMonths: a failed ledger
// execution leaves the counter unchanged, so the same installment stays
// due on the next cycle.
func (s *Scheduler) NextDue(p *payment.Payment, now time.Time) (*DueInstallment, bool) {
	if p.Kind != payment.KindRecurring || p.Status != payment.StatusPending {
		return nil, false
	}
	if p.ExecutedMonths >= p.TotalMonths {
		return nil, false
	}

	index := p.ExecutedMonths
	dueAt := s.DueAt(p, index)
	if now.Before(dueAt) {
		return nil, false
	}

	amount, ok := s.InstallmentAmount(p, index)
	if !ok {
		return nil, false
	}
	return &DueInstallment{Index: index, Amount: amount, DueAt: dueAt}, true
}

// DueAt returns the due time of installment index.
func (s *Scheduler) DueAt(p *payment.Payment, index int) time.Time {
	return p.FirstPaymentTime.Add(time.Duration(index) * s.period)
}

// InstallmentAmount returns the payout of installment index: the
// first-month override for index 0 when present, the monthly amount
// otherwise.
func (s *Scheduler) InstallmentAmount(p *payment.Payment, index int) (*big.Int, bool) {
	if index == 0 && p.FirstMonthAmount != "" {
		return currency.Parse(p.FirstMonthAmount, p.Currency.Decimals)
	}
	return currency.Parse(p.MonthlyAmount, p.Currency.Decimals)
}
