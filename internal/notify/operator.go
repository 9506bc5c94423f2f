// Package notify delivers matcher events to operators.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

// Mailer enqueues operator e-mails.
type Mailer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Config controls where notifications go and how amounts are rendered.
type Config struct {
	To       string
	Currency string
	Locale   string
}

// OperatorNotifier logs every event and mails it to the operator address.
type OperatorNotifier struct {
	mailer  Mailer
	to      string
	unit    currency.Unit
	printer *message.Printer
	logger  *slog.Logger
}

var _ matcher.Notifier = (*OperatorNotifier)(nil)

// NewOperatorNotifier validates the currency and locale. A nil mailer or an
// empty recipient disables mail delivery.
func NewOperatorNotifier(mailer Mailer, cfg Config, logger *slog.Logger) (*OperatorNotifier, error) {
	if cfg.Currency == "" {
		cfg.Currency = "CHF"
	}
	if cfg.Locale == "" {
		cfg.Locale = "de-CH"
	}
	unit, err := currency.ParseISO(cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("notify: currency %q: %w", cfg.Currency, err)
	}
	tag, err := language.Parse(cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("notify: locale %q: %w", cfg.Locale, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorNotifier{
		mailer:  mailer,
		to:      cfg.To,
		unit:    unit,
		printer: message.NewPrinter(tag),
		logger:  logger.With(slog.String("component", "notify")),
	}, nil
}

// Diagnostic reports a skipped payment record.
func (n *OperatorNotifier) Diagnostic(ctx context.Context, d matcher.Diagnostic) {
	subject := fmt.Sprintf("[billing] payment %s: %s", d.Outcome, d.Record.DedupKey)
	var body strings.Builder
	fmt.Fprintf(&body, "A payment could not be matched to an invoice.\n\n")
	fmt.Fprintf(&body, "Outcome:   %s\n", d.Outcome)
	if d.Reason != "" {
		fmt.Fprintf(&body, "Reason:    %s\n", d.Reason)
	}
	fmt.Fprintf(&body, "Provider:  %s\n", d.Record.Provider)
	fmt.Fprintf(&body, "Key:       %s\n", d.Record.DedupKey)
	fmt.Fprintf(&body, "Amount:    %s\n", n.amount(d.Record.Amount))
	fmt.Fprintf(&body, "Date:      %s\n", d.Record.Date.Format("2006-01-02"))
	if d.Record.Reference != "" {
		fmt.Fprintf(&body, "Reference: %s\n", d.Record.Reference)
	}
	if d.MemberID != 0 {
		fmt.Fprintf(&body, "Member:    %d\n", d.MemberID)
	}
	n.send(ctx, subject, body.String())
}

// Overpaid reports an invoice paid beyond its amount.
func (n *OperatorNotifier) Overpaid(ctx context.Context, e matcher.OverpaidEvent) {
	subject := fmt.Sprintf("[billing] invoice %d overpaid", e.InvoiceID)
	body := fmt.Sprintf("Invoice %d of member %d is overpaid.\n\nAmount: %s\nPaid:   %s\nExcess: %s\nPayment: %s\n",
		e.InvoiceID, e.MemberID,
		n.amount(e.Amount), n.amount(e.PaidAmount), n.amount(e.PaidAmount.Sub(e.Amount)),
		e.DedupKey,
	)
	n.send(ctx, subject, body)
}

// NoRecentPayments reports a silent bank feed.
func (n *OperatorNotifier) NoRecentPayments(ctx context.Context, a matcher.WatchdogAlert) {
	subject := "[billing] no payments received recently"
	body := fmt.Sprintf("%d invoices were sent since %s but no bank payment was matched.\nCheck the bank connectors.\n",
		a.InvoicesSent, a.Since.Format("2006-01-02"),
	)
	n.send(ctx, subject, body)
}

func (n *OperatorNotifier) amount(d decimal.Decimal) string {
	return n.printer.Sprint(currency.Symbol(n.unit.Amount(d.InexactFloat64())))
}

func (n *OperatorNotifier) send(ctx context.Context, subject, body string) {
	if n.mailer == nil || n.to == "" {
		n.logger.Info("operator notification", slog.String("subject", subject))
		return
	}
	info, err := n.mailer.EnqueueSendEmail(ctx, jobs.SendEmailPayload{To: n.to, Subject: subject, Body: body})
	if err != nil {
		n.logger.Error("enqueue operator mail", slog.String("subject", subject), slog.Any("error", err))
		return
	}
	attrs := []any{slog.String("subject", subject)}
	if info != nil {
		attrs = append(attrs, slog.String("task_id", info.ID))
	}
	n.logger.Info("operator notification queued", attrs...)
}
