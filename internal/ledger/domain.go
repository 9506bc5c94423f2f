package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceState enumerates invoice states.
type InvoiceState string

const (
	StateOpen     InvoiceState = "open"
	StateClosed   InvoiceState = "closed"
	StateCanceled InvoiceState = "canceled"
)

var (
	// ErrNotFound indicates a missing invoice or member.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDedupKeyRequired indicates a payment without fingerprint.
	ErrDedupKeyRequired = errors.New("ledger: payment dedup key required")
)

// Invoice model.
type Invoice struct {
	ID         int64           `json:"id"`
	MemberID   int64           `json:"member_id"`
	Date       time.Time       `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	State      InvoiceState    `json:"state"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MissingAmount is amount minus paid amount; zero or less means fully covered.
func (i Invoice) MissingAmount() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount)
}

// Overpaid reports whether more than the invoice amount has been paid.
func (i Invoice) Overpaid() bool {
	return i.PaidAmount.GreaterThan(i.Amount)
}

// Canceled reports whether the invoice is excluded from billing.
func (i Invoice) Canceled() bool {
	return i.State == StateCanceled
}

// Payback reports whether the invoice is a credit owed back to the member.
func (i Invoice) Payback() bool {
	return i.Amount.IsNegative()
}

// StateFor derives the open/closed state of a non-canceled invoice.
func StateFor(inv Invoice) InvoiceState {
	if inv.Canceled() {
		return StateCanceled
	}
	if inv.MissingAmount().Sign() <= 0 {
		return StateClosed
	}
	return StateOpen
}

// Payment model. Payments are never updated once created.
type Payment struct {
	ID        int64           `json:"id"`
	MemberID  int64           `json:"member_id"`
	InvoiceID *int64          `json:"invoice_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	DedupKey  string          `json:"dedup_key"`
	Provider  string          `json:"provider"`
	CreatedAt time.Time       `json:"created_at"`
}

// PaymentInput for creating payments.
type PaymentInput struct {
	MemberID  int64
	InvoiceID *int64
	Amount    decimal.Decimal
	Date      time.Time
	DedupKey  string
	Provider  string
}

// Activity summarises recent billing traffic for the payment watchdog.
type Activity struct {
	InvoicesSent    int
	PaymentsMatched int
}

// MemberTx exposes reads and writes scoped to a single member inside one
// atomic unit of work.
type MemberTx interface {
	MemberID() int64
	ListInvoices(ctx context.Context) ([]Invoice, error)
	ListPayments(ctx context.Context) ([]Payment, error)
	// InsertPayment returns created=false when the dedup key already exists.
	InsertPayment(ctx context.Context, input PaymentInput) (payment Payment, created bool, err error)
	UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, state InvoiceState) error
}

// Store is the persistence contract consumed by the reconciliation core.
type Store interface {
	PaymentExists(ctx context.Context, dedupKey string) (bool, error)
	MemberExists(ctx context.Context, memberID int64) (bool, error)
	FindInvoice(ctx context.Context, invoiceID int64) (Invoice, error)
	FindMemberInvoice(ctx context.Context, memberID, invoiceID int64) (Invoice, error)
	RecentActivity(ctx context.Context, since time.Time) (Activity, error)
	WithMember(ctx context.Context, memberID int64, fn func(context.Context, MemberTx) error) error
}
