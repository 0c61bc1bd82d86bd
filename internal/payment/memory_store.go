package payment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronopay/chronopay/internal/pagination"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments     map[string]*Payment
	installments map[string][]Installment
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:     make(map[string]*Payment),
		installments: make(map[string][]Installment),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[p.ID] = clone(p)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	m.payments[p.ID] = clone(p)
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status != StatusPending {
			continue
		}
		if p.DueTime().After(cutoff) {
			continue
		}
		result = append(result, clone(p))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueTime().Before(result[j].DueTime())
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payer string, limit int, before *pagination.Cursor) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(payer)
	var result []*Payment
	for _, p := range m.payments {
		if p.Payer != addr {
			continue
		}
		if before != nil && !afterCursor(p, before) {
			continue
		}
		result = append(result, clone(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkReleased(ctx context.Context, id, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	now := time.Now()
	p.Status = StatusReleased
	p.TxRef = txRef
	for i := range p.Beneficiaries {
		p.Beneficiaries[i].Settled = true
	}
	p.ExecutedAt = &now
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	now := time.Now()
	p.Status = StatusFailed
	p.FailureReason = TruncateDiagnostic(errText)
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) RecordInstallment(ctx context.Context, id string, inst Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	m.installments[id] = append(m.installments[id], inst)
	return nil
}

func (m *MemoryStore) Installments(ctx context.Context, id string) ([]Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Installment, len(m.installments[id]))
	copy(out, m.installments[id])
	return out, nil
}

// afterCursor reports whether p sorts strictly after the cursor position
// in created-at descending order.
func afterCursor(p *Payment, c *pagination.Cursor) bool {
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID < c.ID
	}
	return p.CreatedAt.Before(c.CreatedAt)
}

// clone returns a deep copy to prevent races on the shared pointer.
// The beneficiaries slice shares its backing array on a shallow copy,
// so settling an entry on the copy would mutate the stored payment.
func clone(p *Payment) *Payment {
	cp := *p
	if p.Beneficiaries != nil {
		cp.Beneficiaries = make([]Beneficiary, len(p.Beneficiaries))
		copy(cp.Beneficiaries, p.Beneficiaries)
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}
