package payment

import (
	"time"
)

// Lifecycle rules. Transitions are one-way:
//
//	Single/Batch:  pending -> released | cancelled | failed
//	Recurring:     pending ("active") -> pending (executedMonths++)
//	                                  -> released ("completed")
//	                                  -> cancelled | failed
//
// The functions below mutate only the record; callers persist the
// result. The ledger remains authoritative for race tie-breaks: these
// rules are applied after the ledger has accepted the operation (or to
// reconcile the store with what the ledger already shows).

// CanRelease reports whether a release attempt is allowed now.
// Releasing an already-released record is an idempotent no-op, so it
// returns nil for StatusReleased as well.
func CanRelease(p *Payment, now time.Time) error {
	switch p.Status {
	case StatusReleased:
		return nil
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusFailed:
		return ErrInvalidTransition
	}
	if now.Before(p.DueTime()) {
		return ErrTooEarly
	}
	return nil
}

// ApplyReleased transitions pending -> released. Applying it to an
// already-released record changes nothing and reports success.
func ApplyReleased(p *Payment, txRef string, now time.Time) error {
	switch p.Status {
	case StatusReleased:
		return nil
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusFailed:
		return ErrInvalidTransition
	}
	p.Status = StatusReleased
	p.TxRef = txRef
	settleAll(p)
	t := now
	p.ExecutedAt = &t
	p.UpdatedAt = now
	return nil
}

// ApplyCancelled transitions pending -> cancelled. The caller has
// already verified payer identity and the ledger has accepted the
// cancel; this enforces only record-level legality. Cancelling an
// already-cancelled record is a no-op.
func ApplyCancelled(p *Payment, now time.Time) error {
	switch p.Status {
	case StatusCancelled:
		return nil
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusFailed:
		return ErrInvalidTransition
	}
	// Recurring cancels freeze executedMonths; consumed installments
	// are not reversed.
	p.Status = StatusCancelled
	p.UpdatedAt = now
	return nil
}

// ApplyFailed transitions pending -> failed, retaining a truncated
// diagnostic for operator re-drive. Terminal records are unchanged.
func ApplyFailed(p *Payment, detail string, now time.Time) error {
	if p.IsTerminal() {
		return ErrInvalidTransition
	}
	p.Status = StatusFailed
	p.FailureReason = TruncateDiagnostic(detail)
	p.UpdatedAt = now
	return nil
}

// ApplyInstallment records one executed installment on a recurring
// payment: executedMonths advances monotonically, the next execution
// time moves one period forward, and the schedule completes (maps to
// released) when all months are executed.
func ApplyInstallment(p *Payment, txRef string, period time.Duration, now time.Time) error {
	if p.Kind != KindRecurring {
		return ErrInvalidTransition
	}
	switch p.Status {
	case StatusReleased:
		return nil
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusFailed:
		return ErrInvalidTransition
	}
	if p.ExecutedMonths >= p.TotalMonths {
		return ErrInvalidTransition
	}

	p.ExecutedMonths++
	p.LastExecutionRef = txRef
	p.UpdatedAt = now

	if p.ExecutedMonths == p.TotalMonths {
		p.Status = StatusReleased
		p.TxRef = txRef
		t := now
		p.ExecutedAt = &t
		return nil
	}
	p.NextExecutionTime = p.FirstPaymentTime.Add(time.Duration(p.ExecutedMonths) * period)
	return nil
}

func settleAll(p *Payment) {
	for i := range p.Beneficiaries {
		p.Beneficiaries[i].Settled = true
	}
}
