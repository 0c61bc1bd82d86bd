package recurring

import (
	"testing"
	"time"

	"github.com/chronopay/chronopay/internal/currency"
	"github.com/chronopay/chronopay/internal/payment"
)

func activeRecurring(start time.Time, executed, total int) *payment.Payment {
	return &payment.Payment{
		ID:               "pay_recurring",
		Kind:             payment.KindRecurring,
		Status:           payment.StatusPending,
		Currency:         currency.Currency{Symbol: "USDC", Decimals: 6},
		MonthlyAmount:    "1.000000",
		TotalMonths:      total,
		FirstPaymentTime: start,
		ExecutedMonths:   executed,
	}
}

func TestNextDue_FirstInstallment(t *testing.T) {
	start := time.Now()
	s := NewScheduler(30 * 24 * time.Hour)
	p := activeRecurring(start, 0, 3)

	// Not due one second before its time.
	if _, ok := s.NextDue(p, start.Add(-time.Second)); ok {
		t.Fatal("installment 0 reported due before firstPaymentTime")
	}

	due, ok := s.NextDue(p, start)
	if !ok {
		t.Fatal("installment 0 not reported due at firstPaymentTime")
	}
	if due.Index != 0 {
		t.Errorf("index = %d, want 0", due.Index)
	}
	if due.Amount.Int64() != 1_000_000 {
		t.Errorf("amount = %d, want 1000000", due.Amount.Int64())
	}
	if !due.DueAt.Equal(start) {
		t.Errorf("dueAt = %v, want %v", due.DueAt, start)
	}
}

func TestNextDue_IndexTracksProgress(t *testing.T) {
	start := time.Now()
	period := 24 * time.Hour
	s := NewScheduler(period)

	p := activeRecurring(start, 2, 5)
	now := start.Add(10 * period) // far past every due time

	due, ok := s.NextDue(p, now)
	if !ok {
		t.Fatal("expected installment due")
	}
	// A failed execution leaves executedMonths at 2, so installment 2
	// stays the next due one no matter how late the clock runs.
	if due.Index != 2 {
		t.Errorf("index = %d, want 2", due.Index)
	}
	if want := start.Add(2 * period); !due.DueAt.Equal(want) {
		t.Errorf("dueAt = %v, want %v", due.DueAt, want)
	}
}

func TestNextDue_FirstMonthOverride(t *testing.T) {
	start := time.Now()
	s := NewScheduler(time.Hour)

	p := activeRecurring(start, 0, 2)
	p.FirstMonthAmount = "2.500000"

	due, ok := s.NextDue(p, start)
	if !ok {
		t.Fatal("expected installment 0 due")
	}
	if due.Amount.Int64() != 2_500_000 {
		t.Errorf("installment 0 amount = %d, want override 2500000", due.Amount.Int64())
	}

	p.ExecutedMonths = 1
	due, ok = s.NextDue(p, start.Add(time.Hour))
	if !ok {
		t.Fatal("expected installment 1 due")
	}
	if due.Amount.Int64() != 1_000_000 {
		t.Errorf("installment 1 amount = %d, want monthly 1000000", due.Amount.Int64())
	}
}

func TestNextDue_NeverPastTotalMonths(t *testing.T) {
	start := time.Now().Add(-100 * 24 * time.Hour)
	s := NewScheduler(24 * time.Hour)

	p := activeRecurring(start, 3, 3)
	if _, ok := s.NextDue(p, time.Now()); ok {
		t.Error("completed schedule reported a due installment")
	}
}

func TestNextDue_IgnoresNonRecurringAndTerminal(t *testing.T) {
	start := time.Now()
	s := NewScheduler(time.Hour)

	single := &payment.Payment{Kind: payment.KindSingle, Status: payment.StatusPending, ReleaseTime: start}
	if _, ok := s.NextDue(single, start); ok {
		t.Error("single payment reported a due installment")
	}

	cancelled := activeRecurring(start, 1, 3)
	cancelled.Status = payment.StatusCancelled
	if _, ok := s.NextDue(cancelled, start.Add(48*time.Hour)); ok {
		t.Error("cancelled schedule reported a due installment")
	}
}

func TestNewScheduler_DefaultPeriod(t *testing.T) {
	if got := NewScheduler(0).Period(); got != payment.DefaultInstallmentPeriod {
		t.Errorf("period = %v, want default %v", got, payment.DefaultInstallmentPeriod)
	}
}
