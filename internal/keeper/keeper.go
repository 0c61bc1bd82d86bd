// Package keeper drives due payments to settlement.
//
// A single loop polls the store for due records and executes them
// against the ledger. The ledger stays authoritative throughout: a
// record the ledger already shows released or cancelled is reconciled
// into the store instead of re-executed, and a settlement revert only
// marks the record failed after a bounded number of attempts.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronopay/chronopay/internal/batch"
	"github.com/chronopay/chronopay/internal/ledger"
	"github.com/chronopay/chronopay/internal/metrics"
	"github.com/chronopay/chronopay/internal/payment"
	"github.com/chronopay/chronopay/internal/recurring"
	"github.com/chronopay/chronopay/internal/syncutil"
)

const (
	// DefaultInterval is how often the keeper polls for due payments.
	DefaultInterval = 60 * time.Second

	// DefaultLedgerTimeout bounds each ledger call. A timed-out call has
	// an unknown outcome and is retried next cycle, never marked failed.
	DefaultLedgerTimeout = 30 * time.Second

	// DefaultMaxAttempts is how many settlement reverts are tolerated
	// before a payment is marked failed for operator attention.
	DefaultMaxAttempts = 5

	// DefaultBatchLimit caps records pulled per cycle.
	DefaultBatchLimit = 100

	// ReconciledMarker is stored as the tx reference when the store is
	// brought in line with a release the ledger already shows.
	ReconciledMarker = "already_released"
)

// Snapshot is a point-in-time view of keeper liveness for the health
// surface.
type Snapshot struct {
	Running   bool      `json:"running"`
	LastCycle time.Time `json:"lastCycle"`
	Watched   int       `json:"watched"`
}

// Keeper polls for due payments and settles them.
type Keeper struct {
	store payment.Store
	led   ledger.Ledger
	sched *recurring.Scheduler
	batch *batch.Executor

	interval      time.Duration
	ledgerTimeout time.Duration
	maxAttempts   int
	batchLimit    int

	logger *slog.Logger
	events payment.EventSink
	locks  *syncutil.ShardedMutex
	now    func() time.Time

	stop      chan struct{}
	running   atomic.Bool
	lastCycle atomic.Int64 // unix nanos
	watched   atomic.Int64

	mu       sync.Mutex
	attempts map[string]int // payment ID -> consecutive execution reverts
}

// New creates a keeper with default timing.
func New(store payment.Store, led ledger.Ledger) *Keeper {
	return &Keeper{
		store:         store,
		led:           led,
		sched:         recurring.NewScheduler(payment.DefaultInstallmentPeriod),
		batch:         batch.NewExecutor(led),
		interval:      DefaultInterval,
		ledgerTimeout: DefaultLedgerTimeout,
		maxAttempts:   DefaultMaxAttempts,
		batchLimit:    DefaultBatchLimit,
		logger:        slog.Default(),
		locks:         &syncutil.ShardedMutex{},
		now:           time.Now,
		stop:          make(chan struct{}),
		attempts:      make(map[string]int),
	}
}

// WithInterval sets the polling interval.
func (k *Keeper) WithInterval(d time.Duration) *Keeper {
	if d > 0 {
		k.interval = d
	}
	return k
}

// WithLedgerTimeout sets the per-call ledger deadline.
func (k *Keeper) WithLedgerTimeout(d time.Duration) *Keeper {
	if d > 0 {
		k.ledgerTimeout = d
	}
	return k
}

// WithMaxAttempts sets how many reverts are tolerated before failing.
func (k *Keeper) WithMaxAttempts(n int) *Keeper {
	if n > 0 {
		k.maxAttempts = n
	}
	return k
}

// WithInstallmentPeriod sets the recurring schedule period.
func (k *Keeper) WithInstallmentPeriod(d time.Duration) *Keeper {
	k.sched = recurring.NewScheduler(d)
	return k
}

// WithLogger sets a structured logger.
func (k *Keeper) WithLogger(l *slog.Logger) *Keeper {
	k.logger = l
	k.batch = k.batch.WithLogger(l)
	return k
}

// WithEvents sets the realtime event sink.
func (k *Keeper) WithEvents(sink payment.EventSink) *Keeper {
	k.events = sink
	return k
}

// WithClock overrides the time source for tests.
func (k *Keeper) WithClock(now func() time.Time) *Keeper {
	k.now = now
	return k
}

// Running reports whether the keeper loop is active.
func (k *Keeper) Running() bool {
	return k.running.Load()
}

// Status returns a liveness snapshot.
func (k *Keeper) Status() Snapshot {
	var last time.Time
	if n := k.lastCycle.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return Snapshot{
		Running:   k.running.Load(),
		LastCycle: last,
		Watched:   int(k.watched.Load()),
	}
}

// Start begins the settlement loop. Call in a goroutine.
func (k *Keeper) Start(ctx context.Context) {
	k.running.Store(true)
	defer k.running.Store(false)

	k.safeCycle(ctx)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			k.safeCycle(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (k *Keeper) Stop() {
	select {
	case k.stop <- struct{}{}:
	default:
	}
}

// ExecuteNow attempts immediate settlement of one payment, bypassing
// the polling interval. The ledger still enforces timing, so a payment
// before its release time is refused with ErrTooEarly.
func (k *Keeper) ExecuteNow(ctx context.Context, id string) (*payment.Payment, error) {
	unlock := k.locks.Lock(id)
	defer unlock()

	p, err := k.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := k.settleLocked(ctx, p, k.now()); err != nil {
		return nil, err
	}
	return k.store.Get(ctx, id)
}

func (k *Keeper) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("panic in keeper cycle", "panic", fmt.Sprint(r))
		}
	}()
	k.cycle(ctx)
}

func (k *Keeper) cycle(ctx context.Context) {
	now := k.now()

	due, err := k.store.ListDue(ctx, now, k.batchLimit)
	if err != nil {
		k.logger.Warn("failed to list due payments", "error", err)
		return
	}

	k.watched.Store(int64(len(due)))
	metrics.KeeperWatchedPayments.Set(float64(len(due)))

	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		k.settleOne(ctx, p.ID, now)
	}

	k.lastCycle.Store(now.UnixNano())
	metrics.KeeperCyclesTotal.Inc()
}

func (k *Keeper) settleOne(ctx context.Context, id string, now time.Time) {
	unlock := k.locks.Lock(id)
	defer unlock()

	// Re-read under the lock; the listing may be stale.
	p, err := k.store.Get(ctx, id)
	if err != nil {
		k.logger.Warn("failed to load due payment", "paymentId", id, "error", err)
		return
	}

	if err := k.settleLocked(ctx, p, now); err != nil {
		if errors.Is(err, ledger.ErrTooEarly) || errors.Is(err, payment.ErrTooEarly) {
			metrics.KeeperSettlementsTotal.WithLabelValues("deferred").Inc()
			return
		}
		k.logger.Warn("settlement attempt did not complete",
			"paymentId", p.ID, "kind", p.Kind, "error", err)
	}
}

// settleLocked runs one settlement attempt for a payment whose lock is
// held by the caller.
func (k *Keeper) settleLocked(ctx context.Context, p *payment.Payment, now time.Time) error {
	if p.IsTerminal() {
		return nil
	}
	if err := payment.CanRelease(p, now); err != nil {
		return err
	}

	if done, err := k.reconcile(ctx, p, now); done || err != nil {
		return err
	}

	switch p.Kind {
	case payment.KindRecurring:
		return k.settleInstallment(ctx, p, now)
	case payment.KindBatch:
		return k.settleBatch(ctx, p, now)
	default:
		return k.settleSingle(ctx, p, now)
	}
}

// reconcile compares the record against the ledger's authoritative
// state and folds any release or cancel the ledger already shows into
// the store. Returns done=true when nothing is left to execute.
func (k *Keeper) reconcile(ctx context.Context, p *payment.Payment, now time.Time) (bool, error) {
	lctx, cancel := context.WithTimeout(ctx, k.ledgerTimeout)
	defer cancel()

	st, err := k.led.Status(lctx, p.ContractRef)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			k.logger.Error("CRITICAL: payment has no ledger entry",
				"paymentId", p.ID, "contractRef", p.ContractRef)
			return true, err
		}
		return false, err
	}

	switch {
	case st.Cancelled:
		if err := payment.ApplyCancelled(p, now); err != nil {
			return true, err
		}
		if err := k.store.Update(ctx, p); err != nil {
			return true, err
		}
		k.logger.Info("reconciled cancelled payment", "paymentId", p.ID)
		metrics.KeeperSettlementsTotal.WithLabelValues("reconciled").Inc()
		k.publish("payment_cancelled", p)
		return true, nil

	case p.Kind == payment.KindRecurring && (st.Released || st.ExecutedMonths > p.ExecutedMonths):
		// Another keeper (or a direct contract call) advanced the
		// schedule; catch the record up without re-executing. A fully
		// released ledger entry completes through the same installment
		// counting, so executedMonths never lags a completed record.
		target := st.ExecutedMonths
		if st.Released && target < p.TotalMonths {
			target = p.TotalMonths
		}
		for p.ExecutedMonths < target && !p.IsTerminal() {
			if err := payment.ApplyInstallment(p, ReconciledMarker, k.sched.Period(), now); err != nil {
				return true, err
			}
		}
		if err := k.store.Update(ctx, p); err != nil {
			return true, err
		}
		metrics.KeeperSettlementsTotal.WithLabelValues("reconciled").Inc()
		if p.IsTerminal() {
			k.logger.Info("reconciled released payment",
				"paymentId", p.ID, "executedMonths", p.ExecutedMonths)
			k.clearAttempts(p.ID)
			k.publish("payment_released", p)
			return true, nil
		}
		return false, nil

	case st.Released:
		if err := k.store.MarkReleased(ctx, p.ID, ReconciledMarker); err != nil {
			return true, err
		}
		k.logger.Info("reconciled released payment", "paymentId", p.ID)
		metrics.KeeperSettlementsTotal.WithLabelValues("reconciled").Inc()
		k.clearAttempts(p.ID)
		k.publish("payment_released", p)
		return true, nil
	}

	return false, nil
}

func (k *Keeper) settleSingle(ctx context.Context, p *payment.Payment, now time.Time) error {
	lctx, cancel := context.WithTimeout(ctx, k.ledgerTimeout)
	defer cancel()

	res, err := k.led.Release(lctx, p.ContractRef)
	if err != nil {
		return k.handleReleaseError(ctx, p, err, now)
	}

	txRef := res.TxHash
	if res.AlreadyDone {
		txRef = ReconciledMarker
	}
	return k.recordReleased(ctx, p, txRef, now)
}

func (k *Keeper) settleBatch(ctx context.Context, p *payment.Payment, now time.Time) error {
	lctx, cancel := context.WithTimeout(ctx, k.ledgerTimeout)
	defer cancel()

	res, err := k.batch.Settle(lctx, p)
	if err != nil {
		return k.handleReleaseError(ctx, p, err, now)
	}

	txRef := res.TxRef
	if res.AlreadyDone {
		txRef = ReconciledMarker
	}
	return k.recordReleased(ctx, p, txRef, now)
}

func (k *Keeper) settleInstallment(ctx context.Context, p *payment.Payment, now time.Time) error {
	due, ok := k.sched.NextDue(p, now)
	if !ok {
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, k.ledgerTimeout)
	defer cancel()

	res, err := k.led.ExecuteInstallment(lctx, p.ContractRef, due.Index)
	if err != nil {
		return k.handleInstallmentError(ctx, p, due, err, now)
	}

	txRef := res.TxHash
	if res.AlreadyDone {
		txRef = ReconciledMarker
	}

	inst := payment.Installment{
		Index:     due.Index,
		Amount:    due.Amount.String(),
		DueAt:     due.DueAt,
		Status:    payment.InstallmentExecuted,
		TxRef:     txRef,
		CreatedAt: now,
	}
	if err := k.store.RecordInstallment(ctx, p.ID, inst); err != nil {
		k.logger.Error("CRITICAL: installment executed but history write failed",
			"paymentId", p.ID, "index", due.Index, "txRef", txRef, "error", err)
	}

	if err := payment.ApplyInstallment(p, txRef, k.sched.Period(), now); err != nil {
		return err
	}
	if err := k.store.Update(ctx, p); err != nil {
		k.logger.Error("CRITICAL: installment executed but record update failed",
			"paymentId", p.ID, "index", due.Index, "txRef", txRef, "error", err)
		return err
	}

	k.clearAttempts(p.ID)
	metrics.KeeperSettlementsTotal.WithLabelValues("installment").Inc()
	metrics.SettlementLag.Observe(now.Sub(due.DueAt).Seconds())
	metrics.PaymentsTotal.WithLabelValues(string(p.Kind), string(p.Status)).Inc()

	k.logger.Info("installment executed",
		"paymentId", p.ID,
		"index", due.Index,
		"executedMonths", p.ExecutedMonths,
		"totalMonths", p.TotalMonths,
		"txRef", txRef,
	)
	k.publish("installment_executed", p)
	if p.Status == payment.StatusReleased {
		k.publish("payment_released", p)
	}
	return nil
}

func (k *Keeper) recordReleased(ctx context.Context, p *payment.Payment, txRef string, now time.Time) error {
	if err := k.store.MarkReleased(ctx, p.ID, txRef); err != nil {
		k.logger.Error("CRITICAL: funds released but record update failed",
			"paymentId", p.ID, "txRef", txRef, "error", err)
		return err
	}

	k.clearAttempts(p.ID)
	metrics.KeeperSettlementsTotal.WithLabelValues("released").Inc()
	if due := p.DueTime(); !due.IsZero() {
		metrics.SettlementLag.Observe(now.Sub(due).Seconds())
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Kind), "released").Inc()

	k.logger.Info("payment released",
		"paymentId", p.ID,
		"kind", p.Kind,
		"txRef", txRef,
	)
	p.Status = payment.StatusReleased
	p.TxRef = txRef
	k.publish("payment_released", p)
	return nil
}

// handleReleaseError classifies a failed single or batch release.
// Timing and outcome-unknown errors leave the record pending for the
// next cycle; benign terminal outcomes reconcile the store; execution
// reverts count toward the bounded attempt budget.
func (k *Keeper) handleReleaseError(ctx context.Context, p *payment.Payment, err error, now time.Time) error {
	switch {
	case errors.Is(err, ledger.ErrTooEarly):
		return err

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// Outcome unknown; the ledger may still confirm. Reconciliation
		// next cycle picks up whichever way it went.
		metrics.KeeperSettlementsTotal.WithLabelValues("deferred").Inc()
		return err

	case errors.Is(err, ledger.ErrAlreadyReleased):
		return k.recordReleased(ctx, p, ReconciledMarker, now)

	case errors.Is(err, ledger.ErrAlreadyCancelled):
		if aerr := payment.ApplyCancelled(p, now); aerr != nil {
			return aerr
		}
		metrics.KeeperSettlementsTotal.WithLabelValues("reconciled").Inc()
		return k.store.Update(ctx, p)

	case ledger.IsExecutionFailure(err):
		return k.countRevert(ctx, p, err, now)
	}

	return err
}

func (k *Keeper) handleInstallmentError(ctx context.Context, p *payment.Payment, due *recurring.DueInstallment, err error, now time.Time) error {
	switch {
	case errors.Is(err, ledger.ErrTooEarly):
		return err

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		metrics.KeeperSettlementsTotal.WithLabelValues("deferred").Inc()
		return err

	case errors.Is(err, ledger.ErrAlreadyCancelled):
		if aerr := payment.ApplyCancelled(p, now); aerr != nil {
			return aerr
		}
		metrics.KeeperSettlementsTotal.WithLabelValues("reconciled").Inc()
		return k.store.Update(ctx, p)

	case errors.Is(err, ledger.ErrOutOfOrder) || errors.Is(err, ledger.ErrCompleted):
		// The record is behind the ledger; reconciliation next cycle
		// catches it up.
		metrics.KeeperSettlementsTotal.WithLabelValues("deferred").Inc()
		return err

	case ledger.IsExecutionFailure(err):
		inst := payment.Installment{
			Index:     due.Index,
			Amount:    due.Amount.String(),
			DueAt:     due.DueAt,
			Status:    payment.InstallmentSkipped,
			Detail:    payment.TruncateDiagnostic(err.Error()),
			CreatedAt: now,
		}
		if herr := k.store.RecordInstallment(ctx, p.ID, inst); herr != nil {
			k.logger.Warn("failed to record skipped installment",
				"paymentId", p.ID, "index", due.Index, "error", herr)
		}
		return k.countRevert(ctx, p, err, now)
	}

	return err
}

// countRevert tracks consecutive settlement reverts and fails the
// payment once the budget is exhausted.
func (k *Keeper) countRevert(ctx context.Context, p *payment.Payment, cause error, now time.Time) error {
	k.mu.Lock()
	k.attempts[p.ID]++
	n := k.attempts[p.ID]
	k.mu.Unlock()

	if n < k.maxAttempts {
		k.logger.Warn("settlement reverted, will retry",
			"paymentId", p.ID, "attempt", n, "maxAttempts", k.maxAttempts, "error", cause)
		metrics.KeeperSettlementsTotal.WithLabelValues("deferred").Inc()
		return cause
	}

	detail := fmt.Sprintf("settlement reverted %d times, last: %v", n, cause)
	if err := k.store.MarkFailed(ctx, p.ID, payment.TruncateDiagnostic(detail)); err != nil {
		k.logger.Error("failed to mark payment failed",
			"paymentId", p.ID, "error", err)
		return err
	}
	k.clearAttempts(p.ID)

	metrics.KeeperSettlementsTotal.WithLabelValues("failed").Inc()
	metrics.PaymentsTotal.WithLabelValues(string(p.Kind), "failed").Inc()
	k.logger.Error("payment marked failed",
		"paymentId", p.ID, "kind", p.Kind, "attempts", n, "error", cause)

	p.Status = payment.StatusFailed
	p.FailureReason = payment.TruncateDiagnostic(detail)
	k.publish("payment_failed", p)
	return cause
}

func (k *Keeper) clearAttempts(id string) {
	k.mu.Lock()
	delete(k.attempts, id)
	k.mu.Unlock()
}

func (k *Keeper) publish(event string, p *payment.Payment) {
	if k.events != nil {
		k.events.Publish(event, p)
	}
}
