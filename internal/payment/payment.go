// Package payment provides scheduled on-chain value transfers.
//
// Three shapes share one record and one lifecycle:
//   - Single: one beneficiary, released at releaseTime
//   - Batch: up to 50 beneficiaries, released atomically at releaseTime
//   - Recurring: monthly installments until totalMonths are executed
//
// Funds are locked on the ledger at creation; the keeper drives due
// records to settlement. Records are never deleted; terminal states
// are retained for audit.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/chronopay/chronopay/internal/currency"
	"github.com/chronopay/chronopay/internal/pagination"
)

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrUnauthorized       = errors.New("not authorized for this payment operation")
	ErrNotCancellable     = errors.New("payment is not cancellable")
	ErrCancelWindowClosed = errors.New("cancel window closed")
	ErrTooEarly           = errors.New("payment not yet due")
	ErrAlreadyReleased    = errors.New("payment already released")
	ErrAlreadyCancelled   = errors.New("payment already cancelled")
	ErrInvalidTransition  = errors.New("invalid payment status transition")
)

// MaxBeneficiaries bounds batch size (mirrors the ledger contract).
const MaxBeneficiaries = 50

// MaxFailureDetail caps the persisted diagnostic for failed payments.
const MaxFailureDetail = 500

// MaxNetworkLength caps the free-text network label on a record.
const MaxNetworkLength = 64

// Kind discriminates the three payment shapes.
type Kind string

const (
	KindSingle    Kind = "single"
	KindBatch     Kind = "batch"
	KindRecurring Kind = "recurring"
)

// Status represents the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "pending"   // Created, funds locked, awaiting release
	StatusReleased  Status = "released"  // Settled (recurring: all installments executed)
	StatusCancelled Status = "cancelled" // Cancelled by payer, funds refunded
	StatusFailed    Status = "failed"    // Settlement reverted, needs operator attention
)

// Beneficiary is one payout entry inside a batch.
type Beneficiary struct {
	Addr    string `json:"addr"`
	Amount  string `json:"amount"` // decimal string in the payment's currency
	Settled bool   `json:"settled"`
}

// Installment history entry statuses.
const (
	InstallmentExecuted = "executed"
	InstallmentSkipped  = "skipped" // attempt failed, progress unchanged
)

// Installment records one executed or skipped installment attempt.
type Installment struct {
	Index     int       `json:"index"`
	Amount    string    `json:"amount"`
	DueAt     time.Time `json:"dueAt"`
	Status    string    `json:"status"`
	TxRef     string    `json:"txRef,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Payment is the durable record of a scheduled transfer.
type Payment struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	PaymentType PaymentType       `json:"paymentType"`
	Payer       string            `json:"payer"`
	Currency    currency.Currency `json:"currency"`
	Network     string            `json:"network"`
	Cancellable bool              `json:"cancellable"`
	Status      Status            `json:"status"`
	ContractRef string            `json:"contractRef"`

	// Single shape.
	Beneficiary  string `json:"beneficiary,omitempty"`
	PayoutAmount string `json:"payoutAmount,omitempty"`

	// Batch shape.
	Beneficiaries []Beneficiary `json:"beneficiaries,omitempty"`
	TotalPayout   string        `json:"totalPayout,omitempty"`

	// Fee quote at creation. For recurring, TotalLocked is the approval
	// covering every installment plus fees.
	ProtocolFee string    `json:"protocolFee,omitempty"`
	TotalLocked string    `json:"totalLocked"`
	ReleaseTime time.Time `json:"releaseTime,omitempty"`

	// Recurring shape.
	MonthlyAmount     string    `json:"monthlyAmount,omitempty"`
	FirstMonthAmount  string    `json:"firstMonthAmount,omitempty"` // empty = no override
	TotalMonths       int       `json:"totalMonths,omitempty"`
	DayOfMonth        int       `json:"dayOfMonth,omitempty"`
	FirstPaymentTime  time.Time `json:"firstPaymentTime,omitempty"`
	ExecutedMonths    int       `json:"executedMonths,omitempty"`
	NextExecutionTime time.Time `json:"nextExecutionTime,omitempty"`
	LastExecutionRef  string    `json:"lastExecutionRef,omitempty"`

	// Settlement outcome.
	TxRef         string     `json:"txRef,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	ExecutedAt    *time.Time `json:"executedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case StatusReleased, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// DueTime is when the payment (or its next installment) becomes due.
func (p *Payment) DueTime() time.Time {
	if p.Kind == KindRecurring {
		return p.NextExecutionTime
	}
	return p.ReleaseTime
}

// ExternalStatus maps the stored status to the vocabulary the outside
// world uses for recurring payments: a pending schedule is "active" and
// a fully executed one is "completed".
func (p *Payment) ExternalStatus() string {
	if p.Kind == KindRecurring {
		switch p.Status {
		case StatusPending:
			return "active"
		case StatusReleased:
			return "completed"
		}
	}
	return string(p.Status)
}

// TruncateDiagnostic bounds an error message for persistence.
func TruncateDiagnostic(s string) string {
	if len(s) > MaxFailureDetail {
		return s[:MaxFailureDetail]
	}
	return s
}

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	// ListDue returns pending payments whose due time is at or before
	// cutoff, ordered by due time ascending.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
	// ListByPayer returns a payer's payments ordered by creation time
	// descending. A non-nil cursor resumes after that position.
	ListByPayer(ctx context.Context, payer string, limit int, before *pagination.Cursor) ([]*Payment, error)
	MarkReleased(ctx context.Context, id, txRef string) error
	MarkFailed(ctx context.Context, id, errText string) error
	RecordInstallment(ctx context.Context, id string, inst Installment) error
	Installments(ctx context.Context, id string) ([]Installment, error)
}
