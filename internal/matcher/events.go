package matcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
)

// Diagnostic describes a record the matcher skipped.
type Diagnostic struct {
	Outcome  Outcome
	Reason   string
	MemberID int64
	Record   bankfeed.PaymentRecord
}

// OverpaidEvent is raised when a payment leaves its invoice paid beyond its amount.
type OverpaidEvent struct {
	MemberID   int64
	InvoiceID  int64
	Amount     decimal.Decimal
	PaidAmount decimal.Decimal
	DedupKey   string
}

// WatchdogAlert signals invoices going out without payments coming back.
type WatchdogAlert struct {
	Since        time.Time
	Window       time.Duration
	InvoicesSent int
}

// Notifier receives operator facing events. Implementations must not block
// matching for long; delivery failures are theirs to handle.
type Notifier interface {
	Diagnostic(ctx context.Context, d Diagnostic)
	Overpaid(ctx context.Context, e OverpaidEvent)
	NoRecentPayments(ctx context.Context, a WatchdogAlert)
}

type nopNotifier struct{}

func (nopNotifier) Diagnostic(context.Context, Diagnostic) {}
func (nopNotifier) Overpaid(context.Context, OverpaidEvent) {}
func (nopNotifier) NoRecentPayments(context.Context, WatchdogAlert) {}
