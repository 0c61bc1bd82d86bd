// Package batch orchestrates multi-beneficiary settlement.
//
// Settlement is all-or-nothing: the ledger pays every beneficiary in
// one atomic transaction or reverts the whole thing. A reverted batch
// stays pending and is retried on the next keeper cycle; there is no
// partially-settled intermediate state to reconcile.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chronopay/chronopay/internal/ledger"
	"github.com/chronopay/chronopay/internal/payment"
	"github.com/chronopay/chronopay/internal/traces"
)

var ErrNotBatch = errors.New("batch: payment is not a batch")

// Outcome reports settlement of one beneficiary entry.
type Outcome struct {
	Addr    string `json:"addr"`
	Settled bool   `json:"settled"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the outcome of one settlement attempt.
type Result struct {
	PerBeneficiary []Outcome `json:"perBeneficiary"`
	Released       bool      `json:"released"`
	AlreadyDone    bool      `json:"alreadyDone"`
	TxRef          string    `json:"txRef,omitempty"`
}

// Executor settles batch payments against the ledger.
type Executor struct {
	ledger ledger.Ledger
	logger *slog.Logger
}

// NewExecutor creates a batch executor.
func NewExecutor(led ledger.Ledger) *Executor {
	return &Executor{ledger: led, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (e *Executor) WithLogger(l *slog.Logger) *Executor {
	e.logger = l
	return e
}

// Settle releases a due batch. Safe to call repeatedly: an already
// settled batch yields an idempotent no-op success. On revert the
// returned error is the ledger's and the result reports every
// beneficiary unsettled.
func (e *Executor) Settle(ctx context.Context, p *payment.Payment) (*Result, error) {
	if p.Kind != payment.KindBatch {
		return nil, ErrNotBatch
	}

	ctx, span := traces.StartSpan(ctx, "batch.Settle",
		traces.PaymentID(p.ID),
		attribute.Int("beneficiaries", len(p.Beneficiaries)),
	)
	defer span.End()

	res, err := e.ledger.ReleaseBatch(ctx, p.ContractRef)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyReleased) {
			return e.settledResult(p, "", true), nil
		}
		e.logger.Warn("batch settlement reverted",
			"paymentId", p.ID,
			"beneficiaries", len(p.Beneficiaries),
			"error", err,
		)
		return e.revertedResult(p, err), err
	}

	if res.AlreadyDone {
		return e.settledResult(p, res.TxHash, true), nil
	}

	e.logger.Info("batch settled",
		"paymentId", p.ID,
		"beneficiaries", len(p.Beneficiaries),
		"txRef", res.TxHash,
	)
	return e.settledResult(p, res.TxHash, false), nil
}

func (e *Executor) settledResult(p *payment.Payment, txRef string, alreadyDone bool) *Result {
	out := make([]Outcome, len(p.Beneficiaries))
	for i, b := range p.Beneficiaries {
		out[i] = Outcome{Addr: b.Addr, Settled: true}
	}
	return &Result{PerBeneficiary: out, Released: true, AlreadyDone: alreadyDone, TxRef: txRef}
}

func (e *Executor) revertedResult(p *payment.Payment, err error) *Result {
	detail := fmt.Sprintf("batch reverted: %v", err)
	out := make([]Outcome, len(p.Beneficiaries))
	for i, b := range p.Beneficiaries {
		out[i] = Outcome{Addr: b.Addr, Settled: false, Detail: detail}
	}
	return &Result{PerBeneficiary: out}
}
