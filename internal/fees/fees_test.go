package fees

import (
	"math/big"
	"testing"
)

func TestSingle_TenUSDCQuote(t *testing.T) {
	// 10 USDC at 6 decimals.
	calc := NewCalculator(DefaultBps)
	fee, total, err := calc.Single(big.NewInt(10_000_000))
	if err != nil {
		t.Fatalf("Single failed: %v", err)
	}
	if fee.Int64() != 179_000 {
		t.Errorf("fee = %d, want 179000", fee.Int64())
	}
	if total.Int64() != 10_179_000 {
		t.Errorf("total = %d, want 10179000", total.Int64())
	}
}

func TestSingle_FloorTruncation(t *testing.T) {
	calc := NewCalculator(DefaultBps)
	tests := []struct {
		name    string
		payout  int64
		wantFee int64
	}{
		{"one unit, zero fee", 1, 0},
		{"55 units still below a fee unit", 55, 0},
		{"56 units crosses into one fee unit", 56, 1},
		{"exact boundary", 10_000, 179},
		{"truncates, never rounds up", 999, 17}, // 999*179/10000 = 17.88...
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, total, err := calc.Single(big.NewInt(tt.payout))
			if err != nil {
				t.Fatalf("Single(%d) failed: %v", tt.payout, err)
			}
			if fee.Int64() != tt.wantFee {
				t.Errorf("fee = %d, want %d", fee.Int64(), tt.wantFee)
			}
			if total.Int64() != tt.payout+tt.wantFee {
				t.Errorf("total = %d, want payout+fee = %d", total.Int64(), tt.payout+tt.wantFee)
			}
		})
	}
}

func TestSingle_RejectsZeroAndNegative(t *testing.T) {
	calc := NewCalculator(DefaultBps)
	if _, _, err := calc.Single(big.NewInt(0)); err != ErrZeroAmount {
		t.Errorf("Single(0) err = %v, want ErrZeroAmount", err)
	}
	if _, _, err := calc.Single(nil); err != ErrZeroAmount {
		t.Errorf("Single(nil) err = %v, want ErrZeroAmount", err)
	}
	if _, _, err := calc.Single(big.NewInt(-5)); err != ErrNegativeAmount {
		t.Errorf("Single(-5) err = %v, want ErrNegativeAmount", err)
	}
}

func TestBatch_ThreeWaySplitQuote(t *testing.T) {
	calc := NewCalculator(DefaultBps)
	payouts := []*big.Int{big.NewInt(5_000_000), big.NewInt(3_000_000), big.NewInt(2_000_000)}
	totalPayout, fee, total, err := calc.Batch(payouts)
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if totalPayout.Int64() != 10_000_000 {
		t.Errorf("totalPayout = %d, want 10000000", totalPayout.Int64())
	}
	if fee.Int64() != 179_000 {
		t.Errorf("fee = %d, want 179000", fee.Int64())
	}
	if total.Int64() != 10_179_000 {
		t.Errorf("total = %d, want 10179000", total.Int64())
	}
}

func TestBatch_FeeOnSumNotPerEntry(t *testing.T) {
	// Splitting an amount must never change the fee: computed once on
	// the sum, it equals the single-payment fee for the same total.
	calc := NewCalculator(DefaultBps)
	payouts := []*big.Int{big.NewInt(33), big.NewInt(33), big.NewInt(34)}

	_, batchFee, _, err := calc.Batch(payouts)
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	singleFee, _, err2 := calc.Single(big.NewInt(100))
	if err2 != nil {
		t.Fatalf("Single failed: %v", err2)
	}
	if batchFee.Cmp(singleFee) != 0 {
		t.Errorf("batch fee %s != single fee %s for same total", batchFee, singleFee)
	}

	// Per-entry fees would each truncate to zero here; the sum must not.
	if batchFee.Sign() == 0 {
		t.Error("expected non-zero fee on the summed amount")
	}
}

func TestBatch_RejectsEmptyAndZeroEntries(t *testing.T) {
	calc := NewCalculator(DefaultBps)
	if _, _, _, err := calc.Batch(nil); err != ErrNoBeneficiary {
		t.Errorf("Batch(nil) err = %v, want ErrNoBeneficiary", err)
	}
	if _, _, _, err := calc.Batch([]*big.Int{big.NewInt(100), big.NewInt(0)}); err != ErrZeroAmount {
		t.Errorf("Batch with zero entry err = %v, want ErrZeroAmount", err)
	}
}

func TestPerInstallment_FirstMonthOverride(t *testing.T) {
	calc := NewCalculator(DefaultBps)
	monthly := big.NewInt(1_000_000)
	first := big.NewInt(2_500_000)

	_, total0, err := calc.PerInstallment(monthly, first, 0)
	if err != nil {
		t.Fatalf("PerInstallment(0) failed: %v", err)
	}
	if total0.Int64() != 2_500_000+44_750 {
		t.Errorf("installment 0 total = %d, want 2544750", total0.Int64())
	}

	_, total1, err := calc.PerInstallment(monthly, first, 1)
	if err != nil {
		t.Fatalf("PerInstallment(1) failed: %v", err)
	}
	if total1.Int64() != 1_000_000+17_900 {
		t.Errorf("installment 1 total = %d, want 1017900", total1.Int64())
	}
}

func TestRecurringTotal(t *testing.T) {
	calc := NewCalculator(DefaultBps)
	monthly := big.NewInt(1_000_000)

	total, err := calc.RecurringTotal(monthly, nil, 3)
	if err != nil {
		t.Fatalf("RecurringTotal failed: %v", err)
	}
	if total.Int64() != 3*(1_000_000+17_900) {
		t.Errorf("total = %d, want %d", total.Int64(), int64(3*(1_000_000+17_900)))
	}

	if _, err := calc.RecurringTotal(monthly, nil, 0); err != ErrInvalidMonths {
		t.Errorf("RecurringTotal(0 months) err = %v, want ErrInvalidMonths", err)
	}
}

func TestNewCalculator_RateFallback(t *testing.T) {
	if got := NewCalculator(-1).Bps(); got != DefaultBps {
		t.Errorf("negative rate: bps = %d, want %d", got, DefaultBps)
	}
	if got := NewCalculator(10_000).Bps(); got != DefaultBps {
		t.Errorf("rate >= 10000: bps = %d, want %d", got, DefaultBps)
	}
	if got := NewCalculator(0).Bps(); got != 0 {
		t.Errorf("zero rate should be allowed, got %d", got)
	}
}

func TestFee_LargeAmounts(t *testing.T) {
	// Amounts beyond int64 must not overflow.
	calc := NewCalculator(DefaultBps)
	payout, _ := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	fee, total, err := calc.Single(payout)
	if err != nil {
		t.Fatalf("Single failed: %v", err)
	}
	want := new(big.Int).Mul(payout, big.NewInt(179))
	want.Quo(want, big.NewInt(10_000))
	if fee.Cmp(want) != 0 {
		t.Errorf("fee = %s, want %s", fee, want)
	}
	if total.Cmp(new(big.Int).Add(payout, want)) != 0 {
		t.Errorf("total mismatch")
	}
}
