package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// Repository provides PostgreSQL backed persistence for invoices and payments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const invoiceColumns = `id, member_id, date, amount::text, paid_amount::text, state, sent_at, created_at`

const paymentColumns = `id, member_id, invoice_id, amount::text, date, dedup_key, provider, created_at`

// PaymentExists reports whether a payment with the dedup key was already recorded.
func (r *Repository) PaymentExists(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE dedup_key = $1)`, dedupKey).Scan(&exists)
	return exists, err
}

// MemberExists reports whether the member is known.
func (r *Repository) MemberExists(ctx context.Context, memberID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, memberID).Scan(&exists)
	return exists, err
}

// FindInvoice loads an invoice by id regardless of member.
func (r *Repository) FindInvoice(ctx context.Context, invoiceID int64) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID)
	return scanInvoice(row)
}

// FindMemberInvoice loads an invoice scoped to a member.
func (r *Repository) FindMemberInvoice(ctx context.Context, memberID, invoiceID int64) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND member_id = $2`, invoiceID, memberID)
	return scanInvoice(row)
}

// RecentActivity counts invoices sent and bank-matched payments since the cutoff.
func (r *Repository) RecentActivity(ctx context.Context, since time.Time) (Activity, error) {
	var activity Activity
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM invoices WHERE sent_at >= $1 AND state <> 'canceled'),
			(SELECT COUNT(*) FROM payments WHERE created_at >= $1 AND invoice_id IS NOT NULL AND provider <> 'manual')`,
		since,
	).Scan(&activity.InvoicesSent, &activity.PaymentsMatched)
	return activity, err
}

// WithMember runs fn inside a transaction holding the member's advisory lock.
// Read committed is used so that every statement observes writes committed
// by the previous lock holder.
func (r *Repository) WithMember(ctx context.Context, memberID int64, fn func(context.Context, MemberTx) error) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, shared.MemberLockKey(memberID)); err != nil {
			return fmt.Errorf("ledger: lock member %d: %w", memberID, err)
		}
		return fn(ctx, &txRepo{tx: tx, memberID: memberID})
	})
}

type txRepo struct {
	tx       pgx.Tx
	memberID int64
}

func (t *txRepo) MemberID() int64 {
	return t.memberID
}

func (t *txRepo) ListInvoices(ctx context.Context) ([]Invoice, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE member_id = $1 ORDER BY date, id`, t.memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (t *txRepo) ListPayments(ctx context.Context) ([]Payment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE member_id = $1 ORDER BY date, id`, t.memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, pay)
	}
	return payments, rows.Err()
}

func (t *txRepo) InsertPayment(ctx context.Context, input PaymentInput) (Payment, bool, error) {
	if input.DedupKey == "" {
		return Payment{}, false, ErrDedupKeyRequired
	}
	var invoiceID pgtype.Int8
	if input.InvoiceID != nil {
		invoiceID = pgtype.Int8{Int64: *input.InvoiceID, Valid: true}
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO payments (member_id, invoice_id, amount, date, dedup_key, provider, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, NOW())
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING `+paymentColumns,
		t.memberID, invoiceID, input.Amount.String(), input.Date, input.DedupKey, input.Provider,
	)
	payment, err := scanPayment(row)
	if errors.Is(err, ErrNotFound) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return payment, true, nil
}

func (t *txRepo) UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, state InvoiceState) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE invoices SET paid_amount = $1::numeric, state = $2, updated_at = NOW()
		WHERE id = $3 AND member_id = $4 AND state <> 'canceled'`,
		paid.String(), state, id, t.memberID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("ledger: update invoice %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var amount, paid string
	var sentAt pgtype.Timestamptz
	err := row.Scan(&inv.ID, &inv.MemberID, &inv.Date, &amount, &paid, &inv.State, &sentAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return Invoice{}, fmt.Errorf("ledger: invoice %d amount: %w", inv.ID, err)
	}
	if inv.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return Invoice{}, fmt.Errorf("ledger: invoice %d paid amount: %w", inv.ID, err)
	}
	if sentAt.Valid {
		inv.SentAt = &sentAt.Time
	}
	return inv, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var pay Payment
	var amount string
	var invoiceID pgtype.Int8
	err := row.Scan(&pay.ID, &pay.MemberID, &invoiceID, &amount, &pay.Date, &pay.DedupKey, &pay.Provider, &pay.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if pay.Amount, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, fmt.Errorf("ledger: payment %d amount: %w", pay.ID, err)
	}
	if invoiceID.Valid {
		id := invoiceID.Int64
		pay.InvoiceID = &id
	}
	return pay, nil
}
