package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/chronopay/chronopay/internal/currency"
	"github.com/chronopay/chronopay/internal/fees"
	"github.com/chronopay/chronopay/internal/idgen"
	"github.com/chronopay/chronopay/internal/ledger"
	"github.com/chronopay/chronopay/internal/pagination"
	"github.com/chronopay/chronopay/internal/traces"
	"github.com/chronopay/chronopay/internal/validation"
)

// DefaultInstallmentPeriod approximates one calendar month.
const DefaultInstallmentPeriod = 720 * time.Hour

// EventSink receives lifecycle events for informational streaming.
type EventSink interface {
	Publish(event string, data interface{})
}

// BeneficiaryInput is one payout leg in a creation request.
type BeneficiaryInput struct {
	Addr   string `json:"addr"`
	Amount string `json:"amount"`
}

// CreateRequest contains the parameters for creating a payment.
type CreateRequest struct {
	Kind        Kind      `json:"kind" binding:"required"`
	PaymentType string    `json:"paymentType"`
	IsInstant   *FlexBool `json:"isInstant"`
	Payer       string    `json:"payer" binding:"required"`
	TokenAddr   string    `json:"tokenAddr"`
	Symbol      string    `json:"symbol"`
	Decimals    int       `json:"decimals"`
	Network     string    `json:"network"`
	Cancellable bool      `json:"cancellable"`

	// Single.
	Beneficiary  string `json:"beneficiary"`
	PayoutAmount string `json:"payoutAmount"`

	// Batch.
	Beneficiaries []BeneficiaryInput `json:"beneficiaries"`

	// Single + Batch.
	ReleaseTime time.Time `json:"releaseTime"`

	// Recurring.
	MonthlyAmount    string    `json:"monthlyAmount"`
	FirstMonthAmount string    `json:"firstMonthAmount"`
	TotalMonths      int       `json:"totalMonths"`
	DayOfMonth       int       `json:"dayOfMonth"`
	FirstPaymentTime time.Time `json:"firstPaymentTime"`
}

// Quote is the fee breakdown for a creation request.
type Quote struct {
	TotalPayout string `json:"totalPayout"`
	ProtocolFee string `json:"protocolFee"`
	TotalLocked string `json:"totalLocked"`
	FeeBps      int64  `json:"feeBps"`
}

// Service implements payment business logic.
type Service struct {
	store  Store
	ledger ledger.Ledger
	calc   *fees.Calculator
	events EventSink
	logger *slog.Logger
	period time.Duration
	now    func() time.Time
	locks  sync.Map // per-payment ID locks: cancel must not race itself
}

// NewService creates a payment service.
func NewService(store Store, led ledger.Ledger, calc *fees.Calculator) *Service {
	return &Service{
		store:  store,
		ledger: led,
		calc:   calc,
		logger: slog.Default(),
		period: DefaultInstallmentPeriod,
		now:    time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithEvents adds an event sink for lifecycle streaming.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithInstallmentPeriod overrides the installment period (test
// profiles and short-cycle deployments).
func (s *Service) WithInstallmentPeriod(d time.Duration) *Service {
	if d > 0 {
		s.period = d
	}
	return s
}

// WithClock overrides the time source. For tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InstallmentPeriod returns the configured installment period.
func (s *Service) InstallmentPeriod() time.Duration { return s.period }

func (s *Service) paymentLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates a request, quotes fees, locks funds on the ledger,
// and persists the record. Validation failures are returned
// synchronously and nothing is persisted.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	req.Payer = validation.SanitizeAddress(req.Payer)
	req.Beneficiary = validation.SanitizeAddress(req.Beneficiary)

	ctx, span := traces.StartSpan(ctx, "payment.Create",
		traces.Payer(req.Payer),
		traces.PaymentKind(string(req.Kind)),
	)
	defer span.End()

	now := s.now()

	ptype, err := ResolvePaymentType(req.Kind, req.PaymentType, req.IsInstant)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "paymentType", Message: err.Error()}}
	}
	// Instant payments are due immediately; the keeper settles them on
	// its next cycle.
	if ptype == TypeInstant {
		req.ReleaseTime = now
	}

	cur := resolveCurrency(req)
	p, totals, verrs := buildRecord(req, ptype, cur, s.calc, s.period, now)
	if len(verrs) > 0 {
		return nil, verrs
	}

	ref, err := s.ledger.Create(ctx, totals.ledgerRequest(req, cur, s.period))
	if err != nil {
		return nil, fmt.Errorf("failed to lock funds on ledger: %w", err)
	}
	p.ContractRef = ref

	if err := s.store.Create(ctx, p); err != nil {
		// Best-effort unlock if the store write fails; the ledger entry
		// would otherwise hold funds for a record nobody can see.
		if _, cErr := s.ledger.Cancel(ctx, ref, p.Payer); cErr != nil {
			s.logger.Error("CRITICAL: funds locked but record creation and unlock both failed",
				"contractRef", ref, "payer", p.Payer, "error", cErr)
		}
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	s.publish("payment_created", p)
	return p, nil
}

// QuoteRequest computes the fee breakdown without side effects.
func (s *Service) QuoteRequest(req CreateRequest) (*Quote, error) {
	cur := resolveCurrency(req)
	switch req.Kind {
	case KindSingle:
		payout, ok := currency.Parse(req.PayoutAmount, cur.Decimals)
		if !ok {
			return nil, validation.ValidationErrors{{Field: "payoutAmount", Message: "invalid amount"}}
		}
		fee, total, err := s.calc.Single(payout)
		if err != nil {
			return nil, validation.ValidationErrors{{Field: "payoutAmount", Message: err.Error()}}
		}
		return s.quote(payout, fee, total, cur), nil
	case KindBatch:
		amounts := make([]*big.Int, 0, len(req.Beneficiaries))
		for _, b := range req.Beneficiaries {
			v, ok := currency.Parse(b.Amount, cur.Decimals)
			if !ok {
				return nil, validation.ValidationErrors{{Field: "beneficiaries", Message: "invalid amount " + b.Amount}}
			}
			amounts = append(amounts, v)
		}
		totalPayout, fee, total, err := s.calc.Batch(amounts)
		if err != nil {
			return nil, validation.ValidationErrors{{Field: "beneficiaries", Message: err.Error()}}
		}
		return s.quote(totalPayout, fee, total, cur), nil
	case KindRecurring:
		monthly, ok := currency.Parse(req.MonthlyAmount, cur.Decimals)
		if !ok {
			return nil, validation.ValidationErrors{{Field: "monthlyAmount", Message: "invalid amount"}}
		}
		var first *big.Int
		if req.FirstMonthAmount != "" {
			first, ok = currency.Parse(req.FirstMonthAmount, cur.Decimals)
			if !ok {
				return nil, validation.ValidationErrors{{Field: "firstMonthAmount", Message: "invalid amount"}}
			}
		}
		total, err := s.calc.RecurringTotal(monthly, first, req.TotalMonths)
		if err != nil {
			return nil, validation.ValidationErrors{{Field: "totalMonths", Message: err.Error()}}
		}
		feePerMonth, _, err := s.calc.PerInstallment(monthly, nil, 1)
		if err != nil {
			return nil, validation.ValidationErrors{{Field: "monthlyAmount", Message: err.Error()}}
		}
		return &Quote{
			TotalPayout: currency.Format(monthly, cur.Decimals),
			ProtocolFee: currency.Format(feePerMonth, cur.Decimals),
			TotalLocked: currency.Format(total, cur.Decimals),
			FeeBps:      s.calc.Bps(),
		}, nil
	}
	return nil, validation.ValidationErrors{{Field: "kind", Message: "unknown payment kind"}}
}

func (s *Service) quote(payout, fee, total *big.Int, cur currency.Currency) *Quote {
	return &Quote{
		TotalPayout: currency.Format(payout, cur.Decimals),
		ProtocolFee: currency.Format(fee, cur.Decimals),
		TotalLocked: currency.Format(total, cur.Decimals),
		FeeBps:      s.calc.Bps(),
	}
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// Installments returns the installment history of a recurring payment.
func (s *Service) Installments(ctx context.Context, id string) ([]Installment, error) {
	return s.store.Installments(ctx, id)
}

// ListByPayer returns a page of payments owned by a payer, newest
// first. One extra row beyond limit is fetched so the caller can tell
// whether another page exists.
func (s *Service) ListByPayer(ctx context.Context, payer string, limit int, before *pagination.Cursor) ([]*Payment, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	payments, err := s.store.ListByPayer(ctx, strings.ToLower(payer), limit+1, before)
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(payments, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, hasMore, nil
}

// Cancel stops a pending payment and refunds its remaining locked
// funds. Only the payer may cancel, only while the cancel window is
// open. A cancel racing the keeper's release loses or wins at the
// ledger; the record is reconciled to whatever the ledger decided.
func (s *Service) Cancel(ctx context.Context, id, caller string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Cancel", traces.PaymentID(id))
	defer span.End()

	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(caller, p.Payer) {
		return nil, ErrUnauthorized
	}
	switch p.Status {
	case StatusCancelled:
		return p, nil // idempotent
	case StatusReleased:
		return p, ErrAlreadyReleased
	case StatusFailed:
		return nil, ErrInvalidTransition
	}
	if !p.Cancellable {
		return nil, ErrNotCancellable
	}

	now := s.now()
	_, err = s.ledger.Cancel(ctx, p.ContractRef, caller)
	switch {
	case err == nil:
		// fall through to record update
	case errors.Is(err, ledger.ErrAlreadyCancelled):
		// Another cancel won; reconcile.
	case errors.Is(err, ledger.ErrAlreadyReleased):
		// The keeper's release reached the ledger first. Benign: the
		// record reconciles to released and the caller learns why the
		// cancel had no effect.
		if applyErr := ApplyReleased(p, "", now); applyErr == nil {
			if uErr := s.store.Update(ctx, p); uErr != nil {
				s.logger.Warn("failed to reconcile released payment after lost cancel race",
					"paymentId", p.ID, "error", uErr)
			}
		}
		return p, ErrAlreadyReleased
	case errors.Is(err, ledger.ErrCancelWindowClosed):
		return nil, ErrCancelWindowClosed
	case errors.Is(err, ledger.ErrNotCancellable):
		return nil, ErrNotCancellable
	case errors.Is(err, ledger.ErrNotPayer):
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("failed to cancel on ledger: %w", err)
	}

	if err := ApplyCancelled(p, now); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		// Funds already refunded; the record must catch up.
		if retryErr := s.store.Update(ctx, p); retryErr != nil {
			s.logger.Error("CRITICAL: ledger cancelled but record update failed",
				"paymentId", p.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update payment after cancel (requires manual resolution): %w", err)
		}
	}

	s.publish("payment_cancelled", p)
	return p, nil
}

func (s *Service) publish(event string, p *Payment) {
	if s.events != nil {
		s.events.Publish(event, p)
	}
}

func resolveCurrency(req CreateRequest) currency.Currency {
	cur := currency.Currency{
		TokenAddr: strings.ToLower(strings.TrimSpace(req.TokenAddr)),
		Symbol:    strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Decimals:  req.Decimals,
	}
	if cur.Decimals <= 0 || cur.Decimals > currency.MaxDecimals {
		cur.Decimals = currency.DefaultDecimals
	}
	if cur.Symbol == "" {
		if cur.Native() {
			cur.Symbol = "ETH"
		} else {
			cur.Symbol = "TOKEN"
		}
	}
	return cur
}

// recordTotals carries the parsed amounts between validation and the
// ledger create call, so nothing is parsed twice.
type recordTotals struct {
	beneficiaries []ledger.Beneficiary
	totalLocked   *big.Int
	monthly       *big.Int
	firstMonth    *big.Int
}

func (t recordTotals) ledgerRequest(req CreateRequest, cur currency.Currency, period time.Duration) ledger.CreateRequest {
	lr := ledger.CreateRequest{
		Kind:          ledger.Kind(req.Kind),
		Payer:         strings.ToLower(req.Payer),
		TokenAddr:     cur.TokenAddr,
		Beneficiaries: t.beneficiaries,
		TotalLocked:   t.totalLocked,
		ReleaseTime:   req.ReleaseTime,
		Cancellable:   req.Cancellable,
	}
	if req.Kind == KindRecurring {
		lr.MonthlyAmount = t.monthly
		lr.FirstMonthAmount = t.firstMonth
		lr.TotalMonths = req.TotalMonths
		lr.FirstPaymentTime = req.FirstPaymentTime
		lr.Period = period
	}
	return lr
}

// buildRecord validates a creation request and assembles the payment
// record plus its fee quote. All rejections are field-level
// ValidationErrors; nothing here touches the store or ledger.
func buildRecord(req CreateRequest, ptype PaymentType, cur currency.Currency, calc *fees.Calculator, period time.Duration, now time.Time) (*Payment, recordTotals, validation.ValidationErrors) {
	verrs := validation.Validate(
		validation.Required("payer", req.Payer),
		validation.ValidAddress("payer", req.Payer),
		validation.MaxLength("network", req.Network, MaxNetworkLength),
	)
	if cur.TokenAddr != "" && !validation.IsValidEthAddress(cur.TokenAddr) {
		verrs = append(verrs, validation.ValidationError{Field: "tokenAddr", Message: "must be a valid token address"})
	}

	p := &Payment{
		ID:          idgen.WithPrefix("pay_"),
		Kind:        req.Kind,
		PaymentType: ptype,
		Payer:       strings.ToLower(req.Payer),
		Currency:    cur,
		Network:     validation.SanitizeString(req.Network, MaxNetworkLength),
		Cancellable: req.Cancellable,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var totals recordTotals

	switch req.Kind {
	case KindSingle:
		verrs = append(verrs, validation.Validate(
			validation.Required("beneficiary", req.Beneficiary),
			validation.ValidAddress("beneficiary", req.Beneficiary),
		)...)
		if verr := validation.ValidAmount("payoutAmount", req.PayoutAmount)(); verr != nil {
			verrs = append(verrs, *verr)
			break
		}
		payout, ok := currency.Parse(req.PayoutAmount, cur.Decimals)
		if !ok || payout.Sign() <= 0 {
			verrs = append(verrs, validation.ValidationError{Field: "payoutAmount", Message: "must be a positive amount"})
			break
		}
		if ptype != TypeInstant && !req.ReleaseTime.After(now) {
			verrs = append(verrs, validation.ValidationError{Field: "releaseTime", Message: "must be in the future"})
		}
		fee, total, err := calc.Single(payout)
		if err != nil {
			verrs = append(verrs, validation.ValidationError{Field: "payoutAmount", Message: err.Error()})
			break
		}
		p.Beneficiary = strings.ToLower(req.Beneficiary)
		p.PayoutAmount = currency.Format(payout, cur.Decimals)
		p.ProtocolFee = currency.Format(fee, cur.Decimals)
		p.TotalLocked = currency.Format(total, cur.Decimals)
		p.ReleaseTime = req.ReleaseTime
		totals.beneficiaries = []ledger.Beneficiary{{Addr: p.Beneficiary, Amount: payout}}
		totals.totalLocked = total

	case KindBatch:
		if n := len(req.Beneficiaries); n < 1 || n > MaxBeneficiaries {
			verrs = append(verrs, validation.ValidationError{
				Field:   "beneficiaries",
				Message: fmt.Sprintf("must have between 1 and %d entries", MaxBeneficiaries),
			})
			break
		}
		if ptype != TypeInstant && !req.ReleaseTime.After(now) {
			verrs = append(verrs, validation.ValidationError{Field: "releaseTime", Message: "must be in the future"})
		}
		seen := make(map[string]bool, len(req.Beneficiaries))
		amounts := make([]*big.Int, 0, len(req.Beneficiaries))
		entries := make([]Beneficiary, 0, len(req.Beneficiaries))
		for i, b := range req.Beneficiaries {
			addr := validation.SanitizeAddress(b.Addr)
			if !validation.IsValidEthAddress(addr) {
				verrs = append(verrs, validation.ValidationError{
					Field:   fmt.Sprintf("beneficiaries[%d].addr", i),
					Message: "must be a valid address",
				})
				continue
			}
			if seen[addr] {
				verrs = append(verrs, validation.ValidationError{
					Field:   fmt.Sprintf("beneficiaries[%d].addr", i),
					Message: "duplicate beneficiary address",
				})
				continue
			}
			seen[addr] = true
			if verr := validation.ValidAmount(fmt.Sprintf("beneficiaries[%d].amount", i), b.Amount)(); verr != nil {
				verrs = append(verrs, *verr)
				continue
			}
			amount, ok := currency.Parse(b.Amount, cur.Decimals)
			if !ok || amount.Sign() <= 0 {
				verrs = append(verrs, validation.ValidationError{
					Field:   fmt.Sprintf("beneficiaries[%d].amount", i),
					Message: "must be a positive amount",
				})
				continue
			}
			amounts = append(amounts, amount)
			entries = append(entries, Beneficiary{Addr: addr, Amount: currency.Format(amount, cur.Decimals)})
			totals.beneficiaries = append(totals.beneficiaries, ledger.Beneficiary{Addr: addr, Amount: amount})
		}
		if len(verrs) > 0 {
			break
		}
		totalPayout, fee, total, err := calc.Batch(amounts)
		if err != nil {
			verrs = append(verrs, validation.ValidationError{Field: "beneficiaries", Message: err.Error()})
			break
		}
		p.Beneficiaries = entries
		p.TotalPayout = currency.Format(totalPayout, cur.Decimals)
		p.ProtocolFee = currency.Format(fee, cur.Decimals)
		p.TotalLocked = currency.Format(total, cur.Decimals)
		p.ReleaseTime = req.ReleaseTime
		totals.totalLocked = total

	case KindRecurring:
		verrs = append(verrs, validation.Validate(
			validation.Required("beneficiary", req.Beneficiary),
			validation.ValidAddress("beneficiary", req.Beneficiary),
		)...)
		if verr := validation.ValidAmount("monthlyAmount", req.MonthlyAmount)(); verr != nil {
			verrs = append(verrs, *verr)
			break
		}
		monthly, ok := currency.Parse(req.MonthlyAmount, cur.Decimals)
		if !ok || monthly.Sign() <= 0 {
			verrs = append(verrs, validation.ValidationError{Field: "monthlyAmount", Message: "must be a positive amount"})
			break
		}
		var first *big.Int
		if req.FirstMonthAmount != "" {
			if verr := validation.ValidAmount("firstMonthAmount", req.FirstMonthAmount)(); verr != nil {
				verrs = append(verrs, *verr)
				break
			}
			first, ok = currency.Parse(req.FirstMonthAmount, cur.Decimals)
			if !ok || first.Sign() <= 0 {
				verrs = append(verrs, validation.ValidationError{Field: "firstMonthAmount", Message: "must be a positive amount"})
				break
			}
		}
		if req.TotalMonths < 1 {
			verrs = append(verrs, validation.ValidationError{Field: "totalMonths", Message: "must be at least 1"})
		}
		// Zero means no preferred day; due times come from firstPaymentTime.
		if req.DayOfMonth != 0 && (req.DayOfMonth < 1 || req.DayOfMonth > 31) {
			verrs = append(verrs, validation.ValidationError{Field: "dayOfMonth", Message: "must be between 1 and 31 when set"})
		}
		if !req.FirstPaymentTime.After(now) {
			verrs = append(verrs, validation.ValidationError{Field: "firstPaymentTime", Message: "must be in the future"})
		}
		if len(verrs) > 0 {
			break
		}
		total, err := calc.RecurringTotal(monthly, first, req.TotalMonths)
		if err != nil {
			verrs = append(verrs, validation.ValidationError{Field: "totalMonths", Message: err.Error()})
			break
		}
		p.Beneficiary = strings.ToLower(req.Beneficiary)
		p.MonthlyAmount = currency.Format(monthly, cur.Decimals)
		if first != nil {
			p.FirstMonthAmount = currency.Format(first, cur.Decimals)
		}
		p.TotalMonths = req.TotalMonths
		p.DayOfMonth = req.DayOfMonth
		p.FirstPaymentTime = req.FirstPaymentTime
		p.NextExecutionTime = req.FirstPaymentTime
		p.TotalLocked = currency.Format(total, cur.Decimals)
		totals.beneficiaries = []ledger.Beneficiary{{Addr: p.Beneficiary, Amount: monthly}}
		totals.totalLocked = total
		totals.monthly = monthly
		totals.firstMonth = first

	default:
		verrs = append(verrs, validation.ValidationError{Field: "kind", Message: "must be single, batch, or recurring"})
	}

	if len(verrs) > 0 {
		return nil, recordTotals{}, verrs
	}
	return p, totals, nil
}
