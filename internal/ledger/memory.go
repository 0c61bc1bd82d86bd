package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/chronopay/chronopay/internal/idgen"
)

// Memory is an in-process Ledger implementing the on-chain behavior
// contract: atomic batch release, idempotent terminal states, release
// windows, and the cancel/release race tie-break. Used by tests and by
// dev deployments without an RPC endpoint.
//
// Memory does not re-validate creation inputs (future release time,
// beneficiary limits); that is the creation boundary's job. This keeps
// tests free to create already-due payments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry

	// Addresses that reject transfers; any settlement paying one of
	// them reverts. Simulates adversarial/broken beneficiary contracts.
	rejecting map[string]bool

	now func() time.Time
}

type memEntry struct {
	req            CreateRequest
	released       bool
	cancelled      bool
	settled        []bool // batch: per-beneficiary paid flag
	executedMonths int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[string]*memEntry),
		rejecting: make(map[string]bool),
		now:       time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// RejectBeneficiary makes any settlement paying addr revert.
func (m *Memory) RejectBeneficiary(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejecting[strings.ToLower(addr)] = true
}

// AcceptBeneficiary clears a previous RejectBeneficiary.
func (m *Memory) AcceptBeneficiary(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejecting, strings.ToLower(addr))
}

func (m *Memory) Create(ctx context.Context, req CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := idgen.WithPrefix("led_")
	m.entries[ref] = &memEntry{
		req:     req,
		settled: make([]bool, len(req.Beneficiaries)),
	}
	return ref, nil
}

func (m *Memory) Release(ctx context.Context, ref string) (*TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if e.released {
		return &TxResult{AlreadyDone: true}, nil
	}
	if e.cancelled {
		return nil, ErrAlreadyCancelled
	}
	if m.now().Before(e.req.ReleaseTime) {
		return nil, ErrTooEarly
	}
	for _, b := range e.req.Beneficiaries {
		if m.rejecting[strings.ToLower(b.Addr)] {
			return nil, &ExecutionError{Reason: "beneficiary rejected transfer: " + b.Addr}
		}
	}

	e.released = true
	for i := range e.settled {
		e.settled[i] = true
	}
	return &TxResult{TxHash: fakeTxHash()}, nil
}

// ReleaseBatch settles every beneficiary atomically: one rejecting
// beneficiary reverts the whole transaction, leaving all flags false.
func (m *Memory) ReleaseBatch(ctx context.Context, ref string) (*TxResult, error) {
	return m.Release(ctx, ref)
}

func (m *Memory) ExecuteInstallment(ctx context.Context, ref string, index int) (*TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if e.cancelled {
		return nil, ErrAlreadyCancelled
	}
	if e.executedMonths >= e.req.TotalMonths {
		return nil, ErrCompleted
	}
	if index < e.executedMonths {
		return &TxResult{AlreadyDone: true}, nil
	}
	if index > e.executedMonths {
		return nil, ErrOutOfOrder
	}

	due := e.req.FirstPaymentTime.Add(time.Duration(index) * e.req.Period)
	if m.now().Before(due) {
		return nil, ErrTooEarly
	}
	for _, b := range e.req.Beneficiaries {
		if m.rejecting[strings.ToLower(b.Addr)] {
			return nil, &ExecutionError{Reason: "beneficiary rejected transfer: " + b.Addr}
		}
	}

	e.executedMonths++
	if e.executedMonths == e.req.TotalMonths {
		e.released = true
	}
	return &TxResult{TxHash: fakeTxHash()}, nil
}

func (m *Memory) Cancel(ctx context.Context, ref, caller string) (*TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if !strings.EqualFold(caller, e.req.Payer) {
		return nil, ErrNotPayer
	}
	if e.cancelled {
		return &TxResult{AlreadyDone: true}, nil
	}
	// Tie-break with a racing release: whoever reached the ledger first
	// wins; the loser sees the terminal state.
	if e.released {
		return nil, ErrAlreadyReleased
	}
	if !e.req.Cancellable {
		return nil, ErrNotCancellable
	}
	if e.req.Kind != KindRecurring && !m.now().Before(e.req.ReleaseTime) {
		return nil, ErrCancelWindowClosed
	}

	e.cancelled = true
	return &TxResult{TxHash: fakeTxHash()}, nil
}

func (m *Memory) Status(ctx context.Context, ref string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok {
		return nil, ErrNotFound
	}
	settled := 0
	for _, s := range e.settled {
		if s {
			settled++
		}
	}
	return &Status{
		Released:       e.released,
		Cancelled:      e.cancelled,
		ReleaseTime:    e.req.ReleaseTime,
		SettledCount:   settled,
		ExecutedMonths: e.executedMonths,
	}, nil
}

// LockedAmount returns the total still locked for a payment. For tests.
func (m *Memory) LockedAmount(ref string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok || e.released || e.cancelled {
		return big.NewInt(0)
	}
	if e.req.TotalLocked == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(e.req.TotalLocked)
}

func fakeTxHash() string {
	return "0x" + idgen.Hex(32)
}
