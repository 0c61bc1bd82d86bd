// Package fees computes the protocol fee and total lock amount for
// scheduled payments.
//
// The fee is additive: beneficiaries always receive exactly the payout
// amount, and the payer locks payout + fee. Fee math is integer-only,
// truncating division (never rounds up), so very small payouts may
// legitimately carry a zero fee.
package fees

import (
	"errors"
	"math/big"
)

// DefaultBps is the protocol fee rate in basis points (1.79%).
const DefaultBps = 179

const bpsDenominator = 10_000

var (
	ErrZeroAmount     = errors.New("fees: payout amount must be greater than zero")
	ErrNegativeAmount = errors.New("fees: payout amount must not be negative")
	ErrNoBeneficiary  = errors.New("fees: batch requires at least one payout")
	ErrInvalidMonths  = errors.New("fees: total months must be at least 1")
)

// Calculator computes protocol fees at an injected basis-point rate.
// The rate is fixed per instance; rate changes are a redeploy concern,
// not a mutable global.
type Calculator struct {
	bps int64
}

// NewCalculator creates a Calculator with the given basis-point rate.
// Rates outside [0, 10000) fall back to DefaultBps.
func NewCalculator(bps int64) *Calculator {
	if bps < 0 || bps >= bpsDenominator {
		bps = DefaultBps
	}
	return &Calculator{bps: bps}
}

// Bps returns the calculator's basis-point rate.
func (c *Calculator) Bps() int64 { return c.bps }

// Fee returns floor(amount * bps / 10000) for a non-negative amount.
func (c *Calculator) Fee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(c.bps))
	return fee.Quo(fee, big.NewInt(bpsDenominator))
}

// Single quotes a single payment: the protocol fee and the total the
// payer must lock (payout + fee).
func (c *Calculator) Single(payout *big.Int) (fee, totalRequired *big.Int, err error) {
	if err := checkPositive(payout); err != nil {
		return nil, nil, err
	}
	fee = c.Fee(payout)
	totalRequired = new(big.Int).Add(payout, fee)
	return fee, totalRequired, nil
}

// Batch quotes a multi-beneficiary payment. The fee is computed once on
// the sum of payouts, not per beneficiary, so a batch costs exactly the
// same as a single payment of the combined amount.
func (c *Calculator) Batch(payouts []*big.Int) (totalPayout, fee, totalRequired *big.Int, err error) {
	if len(payouts) == 0 {
		return nil, nil, nil, ErrNoBeneficiary
	}
	totalPayout = new(big.Int)
	for _, p := range payouts {
		if err := checkPositive(p); err != nil {
			return nil, nil, nil, err
		}
		totalPayout.Add(totalPayout, p)
	}
	fee = c.Fee(totalPayout)
	totalRequired = new(big.Int).Add(totalPayout, fee)
	return totalPayout, fee, totalRequired, nil
}

// PerInstallment quotes one installment of a recurring payment.
// firstMonth overrides the amount for installment 0 when non-nil.
func (c *Calculator) PerInstallment(monthly, firstMonth *big.Int, index int) (fee, totalRequired *big.Int, err error) {
	amount := monthly
	if index == 0 && firstMonth != nil {
		amount = firstMonth
	}
	return c.Single(amount)
}

// RecurringTotal returns the total the payer must approve to cover all
// installments of a recurring payment, fees included.
func (c *Calculator) RecurringTotal(monthly, firstMonth *big.Int, totalMonths int) (*big.Int, error) {
	if totalMonths < 1 {
		return nil, ErrInvalidMonths
	}
	total := new(big.Int)
	for k := 0; k < totalMonths; k++ {
		_, installment, err := c.PerInstallment(monthly, firstMonth, k)
		if err != nil {
			return nil, err
		}
		total.Add(total, installment)
	}
	return total, nil
}

func checkPositive(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return ErrZeroAmount
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}
