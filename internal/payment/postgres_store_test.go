package payment

import (
	"context"
	"testing"
	"time"

	"github.com/chronopay/chronopay/internal/currency"
	"github.com/chronopay/chronopay/internal/testutil"
)

func pgPayment(id string, due time.Time) *Payment {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Payment{
		ID:          id,
		Kind:        KindSingle,
		PaymentType: TypeScheduled,
		Payer:       "0xaaaa000000000000000000000000000000000001",
		Currency:    currency.Currency{Symbol: "USDC", Decimals: 6, TokenAddr: "0xdddd000000000000000000000000000000000004"},
		Network:     "base",
		Cancellable: true,
		Status:      StatusPending,
		ContractRef: "led_" + id,
		Beneficiary: "0xbbbb000000000000000000000000000000000002",
		PayoutAmount: "10.000000",
		Beneficiaries: []Beneficiary{
			{Addr: "0xbbbb000000000000000000000000000000000002", Amount: "10.000000"},
		},
		ProtocolFee: "0.179000",
		TotalLocked: "10.179000",
		ReleaseTime: due.UTC().Truncate(time.Microsecond),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayment("pay_pg_1", time.Now().Add(time.Hour))
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "pay_pg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != KindSingle || got.PaymentType != TypeScheduled {
		t.Errorf("kind/type mismatch: %s %s", got.Kind, got.PaymentType)
	}
	if got.PayoutAmount != "10.000000" || got.TotalLocked != "10.179000" {
		t.Errorf("amount round-trip: %s %s", got.PayoutAmount, got.TotalLocked)
	}
	if got.Currency.Decimals != 6 || got.Currency.Symbol != "USDC" {
		t.Errorf("currency round-trip: %+v", got.Currency)
	}
	if len(got.Beneficiaries) != 1 || got.Beneficiaries[0].Settled {
		t.Errorf("beneficiaries round-trip: %+v", got.Beneficiaries)
	}
	if !got.ReleaseTime.Equal(p.ReleaseTime) {
		t.Errorf("release time %v, want %v", got.ReleaseTime, p.ReleaseTime)
	}

	if _, err := store.Get(ctx, "pay_missing"); err != ErrPaymentNotFound {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPostgresStoreListDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	due := pgPayment("pay_pg_due", now.Add(-time.Hour))
	future := pgPayment("pay_pg_future", now.Add(time.Hour))
	if err := store.Create(ctx, due); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, future); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A recurring record is due on next_execution_time, not release_time.
	rec := pgPayment("pay_pg_rec", time.Time{})
	rec.Kind = KindRecurring
	rec.PaymentType = TypeRecurring
	rec.ReleaseTime = time.Time{}
	rec.MonthlyAmount = "5.000000"
	rec.TotalMonths = 6
	rec.FirstPaymentTime = now.Add(-2 * time.Hour).UTC().Truncate(time.Microsecond)
	rec.NextExecutionTime = now.Add(-30 * time.Minute).UTC().Truncate(time.Microsecond)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create recurring: %v", err)
	}

	list, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 due, got %d", len(list))
	}
	if list[0].ID != "pay_pg_due" || list[1].ID != "pay_pg_rec" {
		t.Errorf("expected due-time order, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestPostgresStoreMarkReleasedSettlesBeneficiaries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayment("pay_pg_rel", time.Now())
	p.Beneficiaries = []Beneficiary{
		{Addr: "0xbbbb000000000000000000000000000000000002", Amount: "3.000000"},
		{Addr: "0xcccc000000000000000000000000000000000003", Amount: "7.000000"},
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.MarkReleased(ctx, p.ID, "0xtxhash"); err != nil {
		t.Fatalf("mark released: %v", err)
	}

	got, _ := store.Get(ctx, p.ID)
	if got.Status != StatusReleased || got.TxRef != "0xtxhash" {
		t.Errorf("unexpected state: %s %s", got.Status, got.TxRef)
	}
	for _, b := range got.Beneficiaries {
		if !b.Settled {
			t.Errorf("beneficiary %s not settled", b.Addr)
		}
	}
	if got.ExecutedAt == nil {
		t.Error("expected executedAt")
	}
}

func TestPostgresStoreUpdateAndFail(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayment("pay_pg_upd", time.Now())
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	p.Status = StatusCancelled
	p.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.Get(ctx, p.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	p2 := pgPayment("pay_pg_fail", time.Now())
	if err := store.Create(ctx, p2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkFailed(ctx, p2.ID, "beneficiary rejected transfer"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = store.Get(ctx, p2.ID)
	if got.Status != StatusFailed || got.FailureReason == "" {
		t.Errorf("unexpected state: %s %q", got.Status, got.FailureReason)
	}

	if err := store.Update(ctx, pgPayment("pay_pg_missing", time.Now())); err != ErrPaymentNotFound {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPostgresStoreInstallments(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayment("pay_pg_inst", time.Now())
	p.Kind = KindRecurring
	p.PaymentType = TypeRecurring
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Microsecond)
	entries := []Installment{
		{Index: 0, Amount: "5.000000", DueAt: base, Status: InstallmentSkipped, Detail: "insufficient funds", CreatedAt: base},
		{Index: 0, Amount: "5.000000", DueAt: base, Status: InstallmentExecuted, TxRef: "0xtx0", CreatedAt: base.Add(time.Minute)},
		{Index: 1, Amount: "5.000000", DueAt: base.Add(time.Hour), Status: InstallmentExecuted, TxRef: "0xtx1", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := store.RecordInstallment(ctx, p.ID, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := store.Installments(ctx, p.ID)
	if err != nil {
		t.Fatalf("installments: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].Status != InstallmentSkipped || got[0].Detail == "" {
		t.Errorf("expected skipped entry first, got %+v", got[0])
	}
	if got[2].Index != 1 || got[2].TxRef != "0xtx1" {
		t.Errorf("unexpected last entry: %+v", got[2])
	}
}
