package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chronopay/chronopay/internal/pagination"
)

func storePayment(id, payer string, due time.Time) *Payment {
	return &Payment{
		ID:          id,
		Kind:        KindSingle,
		Status:      StatusPending,
		Payer:       strings.ToLower(payer),
		ReleaseTime: due,
		Beneficiaries: []Beneficiary{
			{Addr: "0xbbbb000000000000000000000000000000000002", Amount: "1.000000"},
		},
		CreatedAt: time.Now(),
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := storePayment("pay_1", "0xaaaa000000000000000000000000000000000001", time.Now())
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	p.Status = StatusFailed
	p.Beneficiaries[0].Settled = true

	got, err := s.Get(ctx, "pay_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("store copy mutated: %s", got.Status)
	}
	if got.Beneficiaries[0].Settled {
		t.Error("beneficiary slice shared with caller")
	}
}

func TestMemoryStoreListDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.Create(ctx, storePayment("pay_late", "0xaaaa000000000000000000000000000000000001", now.Add(-time.Minute)))
	_ = s.Create(ctx, storePayment("pay_later", "0xaaaa000000000000000000000000000000000001", now.Add(-time.Hour)))
	_ = s.Create(ctx, storePayment("pay_future", "0xaaaa000000000000000000000000000000000001", now.Add(time.Hour)))

	released := storePayment("pay_done", "0xaaaa000000000000000000000000000000000001", now.Add(-time.Hour))
	released.Status = StatusReleased
	_ = s.Create(ctx, released)

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due, got %d", len(due))
	}
	if due[0].ID != "pay_later" || due[1].ID != "pay_late" {
		t.Errorf("expected oldest due first, got %s, %s", due[0].ID, due[1].ID)
	}

	limited, _ := s.ListDue(ctx, now, 1)
	if len(limited) != 1 {
		t.Errorf("expected limit respected, got %d", len(limited))
	}
}

func TestMemoryStoreListDueUsesNextExecutionTime(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	rec := &Payment{
		ID:                "pay_rec",
		Kind:              KindRecurring,
		Status:            StatusPending,
		Payer:             "0xaaaa000000000000000000000000000000000001",
		TotalMonths:       6,
		FirstPaymentTime:  now.Add(-time.Hour),
		NextExecutionTime: now.Add(-time.Minute),
		CreatedAt:         now,
	}
	_ = s.Create(ctx, rec)

	due, _ := s.ListDue(ctx, now, 10)
	if len(due) != 1 || due[0].ID != "pay_rec" {
		t.Fatalf("expected recurring payment due, got %v", due)
	}
}

func TestMemoryStoreMarkReleased(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Create(ctx, storePayment("pay_1", "0xaaaa000000000000000000000000000000000001", time.Now()))
	if err := s.MarkReleased(ctx, "pay_1", "0xtxhash"); err != nil {
		t.Fatalf("mark released: %v", err)
	}

	got, _ := s.Get(ctx, "pay_1")
	if got.Status != StatusReleased || got.TxRef != "0xtxhash" {
		t.Errorf("unexpected state: %s %s", got.Status, got.TxRef)
	}
	if !got.Beneficiaries[0].Settled {
		t.Error("expected beneficiaries settled")
	}
	if got.ExecutedAt == nil {
		t.Error("expected executedAt set")
	}

	if err := s.MarkReleased(ctx, "pay_missing", "0xtx"); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestMemoryStoreMarkFailedTruncates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Create(ctx, storePayment("pay_1", "0xaaaa000000000000000000000000000000000001", time.Now()))

	long := strings.Repeat("e", MaxFailureDetail*2)
	if err := s.MarkFailed(ctx, "pay_1", long); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := s.Get(ctx, "pay_1")
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if len(got.FailureReason) != MaxFailureDetail {
		t.Errorf("expected %d chars, got %d", MaxFailureDetail, len(got.FailureReason))
	}
}

func TestMemoryStoreListByPayer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	payer := "0xaaaa000000000000000000000000000000000001"

	for i, id := range []string{"pay_old", "pay_mid", "pay_new"} {
		p := storePayment(id, payer, time.Now())
		p.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		_ = s.Create(ctx, p)
	}
	_ = s.Create(ctx, storePayment("pay_other", "0xcccc000000000000000000000000000000000003", time.Now()))

	got, err := s.ListByPayer(ctx, payer, 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].ID != "pay_new" {
		t.Errorf("expected newest first, got %s", got[0].ID)
	}

	limited, _ := s.ListByPayer(ctx, payer, 2, nil)
	if len(limited) != 2 {
		t.Errorf("expected limit 2, got %d", len(limited))
	}

	cursor := &pagination.Cursor{CreatedAt: limited[1].CreatedAt, ID: limited[1].ID}
	rest, _ := s.ListByPayer(ctx, payer, 10, cursor)
	if len(rest) != 1 {
		t.Fatalf("expected 1 after cursor, got %d", len(rest))
	}
	if rest[0].ID != "pay_old" {
		t.Errorf("expected pay_old after cursor, got %s", rest[0].ID)
	}
}

func TestMemoryStoreInstallments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Create(ctx, storePayment("pay_1", "0xaaaa000000000000000000000000000000000001", time.Now()))

	for i := 0; i < 3; i++ {
		err := s.RecordInstallment(ctx, "pay_1", Installment{
			Index:  i,
			Amount: "5.000000",
			Status: InstallmentExecuted,
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	insts, err := s.Installments(ctx, "pay_1")
	if err != nil {
		t.Fatalf("installments: %v", err)
	}
	if len(insts) != 3 {
		t.Fatalf("expected 3, got %d", len(insts))
	}
	for i, inst := range insts {
		if inst.Index != i {
			t.Errorf("expected index %d in order, got %d", i, inst.Index)
		}
	}

	if err := s.RecordInstallment(ctx, "pay_missing", Installment{}); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}
