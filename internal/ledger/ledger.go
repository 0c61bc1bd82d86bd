// Package ledger defines the contract of the on-chain payment ledger.
//
// The ledger is the single source of truth for whether a payment has
// been released or cancelled. Every operation is idempotent from the
// caller's perspective: re-releasing a released payment reports
// AlreadyDone instead of failing, so concurrent keepers can never
// double-spend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrNotFound           = errors.New("ledger: payment reference not found")
	ErrTooEarly           = errors.New("ledger: release time not reached")
	ErrAlreadyReleased    = errors.New("ledger: payment already released")
	ErrAlreadyCancelled   = errors.New("ledger: payment already cancelled")
	ErrNotCancellable     = errors.New("ledger: payment is not cancellable")
	ErrCancelWindowClosed = errors.New("ledger: cancel window closed")
	ErrNotPayer           = errors.New("ledger: caller is not the payer")
	ErrOutOfOrder         = errors.New("ledger: installment index out of order")
	ErrCompleted          = errors.New("ledger: all installments executed")
)

// ExecutionError is a settlement revert for a reason other than timing
// or prior completion (insufficient funds, rejecting beneficiary, ...).
// The keeper records these as Failed with the reason as diagnostic.
type ExecutionError struct {
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ledger: execution reverted: %s", e.Reason)
}

// IsExecutionFailure reports whether err is a settlement revert.
func IsExecutionFailure(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// Kind of on-chain payment.
type Kind string

const (
	KindSingle    Kind = "single"
	KindBatch     Kind = "batch"
	KindRecurring Kind = "recurring"
)

// Beneficiary is one payout leg inside a payment.
type Beneficiary struct {
	Addr   string
	Amount *big.Int
}

// CreateRequest locks funds for a new on-chain payment.
type CreateRequest struct {
	Kind          Kind
	Payer         string
	TokenAddr     string // empty = native asset
	Beneficiaries []Beneficiary
	TotalLocked   *big.Int
	ReleaseTime   time.Time
	Cancellable   bool

	// Recurring only.
	MonthlyAmount    *big.Int
	FirstMonthAmount *big.Int // nil = no override
	TotalMonths      int
	FirstPaymentTime time.Time
	Period           time.Duration
}

// TxResult reports the outcome of a settlement transaction.
type TxResult struct {
	TxHash      string
	AlreadyDone bool // operation was a no-op: state already terminal
}

// Status is the ledger's authoritative view of a payment.
type Status struct {
	Released       bool
	Cancelled      bool
	ReleaseTime    time.Time
	SettledCount   int // batch: beneficiaries paid
	ExecutedMonths int // recurring: installments executed
}

// Ledger is the transactional execution environment holding locked
// funds. Implementations: Memory (tests, dev) and eth.Ledger (chain).
//
// Batch release is atomic: either every beneficiary is paid in one
// transaction or none is. Each call observes the context deadline as
// its confirmation timeout; a deadline error means the outcome is
// unknown and the caller must retry, never record failure.
type Ledger interface {
	Create(ctx context.Context, req CreateRequest) (ref string, err error)
	Release(ctx context.Context, ref string) (*TxResult, error)
	ReleaseBatch(ctx context.Context, ref string) (*TxResult, error)
	ExecuteInstallment(ctx context.Context, ref string, index int) (*TxResult, error)
	Cancel(ctx context.Context, ref, caller string) (*TxResult, error)
	Status(ctx context.Context, ref string) (*Status, error)
}

// Benign reports whether err is an idempotent no-op outcome
// (already released / already cancelled) rather than a real failure.
func Benign(err error) bool {
	return errors.Is(err, ErrAlreadyReleased) || errors.Is(err, ErrAlreadyCancelled)
}
