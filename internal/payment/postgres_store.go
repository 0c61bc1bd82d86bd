package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/chronopay/chronopay/internal/pagination"
)

// PostgresStore persists payment data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, kind, payment_type, payer, token_addr, symbol, decimals,
		network, cancellable, status, contract_ref,
		beneficiary, payout_amount, beneficiaries, total_payout,
		protocol_fee, total_locked, release_time,
		monthly_amount, first_month_amount, total_months, day_of_month,
		first_payment_time, executed_months, next_execution_time, last_execution_ref,
		tx_ref, failure_reason, executed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	beneJSON, _ := json.Marshal(p.Beneficiaries)
	if p.Beneficiaries == nil {
		beneJSON = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, kind, payment_type, payer, token_addr, symbol, decimals,
			network, cancellable, status, contract_ref,
			beneficiary, payout_amount, beneficiaries, total_payout,
			protocol_fee, total_locked, release_time,
			monthly_amount, first_month_amount, total_months, day_of_month,
			first_payment_time, executed_months, next_execution_time, last_execution_ref,
			tx_ref, failure_reason, executed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25, $26,
			$27, $28, $29, $30, $31
		)`,
		p.ID, string(p.Kind), string(p.PaymentType), p.Payer,
		nullString(p.Currency.TokenAddr), p.Currency.Symbol, p.Currency.Decimals,
		nullString(p.Network), p.Cancellable, string(p.Status), p.ContractRef,
		nullString(p.Beneficiary), nullString(p.PayoutAmount), beneJSON, nullString(p.TotalPayout),
		nullString(p.ProtocolFee), p.TotalLocked, nullZeroTime(p.ReleaseTime),
		nullString(p.MonthlyAmount), nullString(p.FirstMonthAmount), p.TotalMonths, p.DayOfMonth,
		nullZeroTime(p.FirstPaymentTime), p.ExecutedMonths, nullZeroTime(p.NextExecutionTime), nullString(p.LastExecutionRef),
		nullString(p.TxRef), nullString(p.FailureReason), nullTime(p.ExecutedAt),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	beneJSON, _ := json.Marshal(p.Beneficiaries)
	if p.Beneficiaries == nil {
		beneJSON = []byte("[]")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, beneficiaries = $2,
			executed_months = $3, next_execution_time = $4, last_execution_ref = $5,
			tx_ref = $6, failure_reason = $7, executed_at = $8, updated_at = $9
		WHERE id = $10`,
		string(p.Status), beneJSON,
		p.ExecutedMonths, nullZeroTime(p.NextExecutionTime), nullString(p.LastExecutionRef),
		nullString(p.TxRef), nullString(p.FailureReason), nullTime(p.ExecutedAt), p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending'
		  AND COALESCE(next_execution_time, release_time) <= $1
		ORDER BY COALESCE(next_execution_time, release_time) ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (s *PostgresStore) ListByPayer(ctx context.Context, payer string, limit int, before *pagination.Cursor) ([]*Payment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE payer = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, payer, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE payer = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, payer, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (s *PostgresStore) MarkReleased(ctx context.Context, id, txRef string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = 'released',
			tx_ref = $1,
			beneficiaries = (
				SELECT COALESCE(jsonb_agg(b || '{"settled":true}'::jsonb), '[]'::jsonb)
				FROM jsonb_array_elements(beneficiaries) AS b
			),
			executed_at = NOW(),
			updated_at = NOW()
		WHERE id = $2`, nullString(txRef), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errText string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = 'failed',
			failure_reason = $1,
			updated_at = NOW()
		WHERE id = $2`, TruncateDiagnostic(errText), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) RecordInstallment(ctx context.Context, id string, inst Installment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_installments (
			payment_id, idx, amount, due_at, status, tx_ref, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, inst.Index, inst.Amount, inst.DueAt, inst.Status,
		nullString(inst.TxRef), nullString(inst.Detail), inst.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Installments(ctx context.Context, id string) ([]Installment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, amount, due_at, status, tx_ref, detail, created_at
		FROM payment_installments
		WHERE payment_id = $1
		ORDER BY created_at ASC, idx ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Installment
	for rows.Next() {
		var inst Installment
		var txRef, detail sql.NullString
		if err := rows.Scan(&inst.Index, &inst.Amount, &inst.DueAt, &inst.Status, &txRef, &detail, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.TxRef = txRef.String
		inst.Detail = detail.String
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var kind, ptype, status string
	var tokenAddr, network, beneficiary, payoutAmount, totalPayout sql.NullString
	var protocolFee, monthlyAmount, firstMonthAmount, lastExecutionRef sql.NullString
	var txRef, failureReason sql.NullString
	var beneJSON []byte
	var releaseTime, firstPaymentTime, nextExecutionTime, executedAt sql.NullTime

	err := row.Scan(
		&p.ID, &kind, &ptype, &p.Payer, &tokenAddr, &p.Currency.Symbol, &p.Currency.Decimals,
		&network, &p.Cancellable, &status, &p.ContractRef,
		&beneficiary, &payoutAmount, &beneJSON, &totalPayout,
		&protocolFee, &p.TotalLocked, &releaseTime,
		&monthlyAmount, &firstMonthAmount, &p.TotalMonths, &p.DayOfMonth,
		&firstPaymentTime, &p.ExecutedMonths, &nextExecutionTime, &lastExecutionRef,
		&txRef, &failureReason, &executedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = Kind(kind)
	p.PaymentType = PaymentType(ptype)
	p.Status = Status(status)
	p.Currency.TokenAddr = tokenAddr.String
	p.Network = network.String
	p.Beneficiary = beneficiary.String
	p.PayoutAmount = payoutAmount.String
	p.TotalPayout = totalPayout.String
	p.ProtocolFee = protocolFee.String
	p.MonthlyAmount = monthlyAmount.String
	p.FirstMonthAmount = firstMonthAmount.String
	p.LastExecutionRef = lastExecutionRef.String
	p.TxRef = txRef.String
	p.FailureReason = failureReason.String
	if len(beneJSON) > 0 {
		if err := json.Unmarshal(beneJSON, &p.Beneficiaries); err != nil {
			return nil, err
		}
	}
	if len(p.Beneficiaries) == 0 {
		p.Beneficiaries = nil
	}
	if releaseTime.Valid {
		p.ReleaseTime = releaseTime.Time
	}
	if firstPaymentTime.Valid {
		p.FirstPaymentTime = firstPaymentTime.Time
	}
	if nextExecutionTime.Valid {
		p.NextExecutionTime = nextExecutionTime.Time
	}
	if executedAt.Valid {
		t := executedAt.Time
		p.ExecutedAt = &t
	}
	return &p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
