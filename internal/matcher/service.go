// Package matcher resolves incoming bank payments to invoices and records
// each bank transaction at most once.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
)

// Outcome classifies what happened to one payment record.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "skipped_duplicate"
	OutcomeUnknownMember    Outcome = "unknown_member"
	OutcomeUnknownInvoice   Outcome = "unknown_invoice"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeFailed           Outcome = "failed"
)

// Result is the per-record outcome.
type Result struct {
	Outcome   Outcome
	Reason    string
	MemberID  int64
	InvoiceID int64
	Overpaid  bool
	Err       error
}

// Summary aggregates a batch run.
type Summary struct {
	Applied          int     `json:"applied"`
	SkippedDuplicate int     `json:"skipped_duplicate"`
	UnknownMember    int     `json:"unknown_member"`
	UnknownInvoice   int     `json:"unknown_invoice"`
	UnknownReference int     `json:"unknown_reference"`
	Failed           int     `json:"failed"`
	Members          []int64 `json:"members,omitempty"`
}

// Total returns the number of records counted.
func (s Summary) Total() int {
	return s.Applied + s.SkippedDuplicate + s.UnknownMember + s.UnknownInvoice + s.UnknownReference + s.Failed
}

func (s *Summary) add(res Result) {
	switch res.Outcome {
	case OutcomeApplied:
		s.Applied++
	case OutcomeDuplicate:
		s.SkippedDuplicate++
	case OutcomeUnknownMember:
		s.UnknownMember++
	case OutcomeUnknownInvoice:
		s.UnknownInvoice++
	case OutcomeUnknownReference:
		s.UnknownReference++
	default:
		s.Failed++
	}
}

// Service applies payment records against the ledger.
type Service struct {
	store    ledger.Store
	codec    *reference.Codec
	notifier Notifier

	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// WatchdogWindow enables the feed check after every batch when positive.
	WatchdogWindow time.Duration

	clock func() time.Time
}

// NewService wires the matcher. A nil notifier discards events.
func NewService(store ledger.Store, codec *reference.Codec, notifier Notifier) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:    store,
		codec:    codec,
		notifier: notifier,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ProcessBatch processes every record; a failing record never stops the batch.
// Records arrive in no particular order.
func (s *Service) ProcessBatch(ctx context.Context, records []bankfeed.PaymentRecord) Summary {
	var summary Summary
	members := make(map[int64]bool)
	for _, rec := range records {
		res := s.Process(ctx, rec)
		summary.add(res)
		if res.Outcome == OutcomeApplied {
			members[res.MemberID] = true
		}
	}
	for id := range members {
		summary.Members = append(summary.Members, id)
	}
	sort.Slice(summary.Members, func(i, j int) bool { return summary.Members[i] < summary.Members[j] })

	s.log().Info("payment batch processed",
		slog.Int("records", len(records)),
		slog.Int("applied", summary.Applied),
		slog.Int("skipped_duplicate", summary.SkippedDuplicate),
		slog.Int("unknown_member", summary.UnknownMember),
		slog.Int("unknown_invoice", summary.UnknownInvoice),
		slog.Int("unknown_reference", summary.UnknownReference),
		slog.Int("failed", summary.Failed),
	)

	if s.WatchdogWindow > 0 {
		if _, err := s.CheckRecentPayments(ctx, s.WatchdogWindow); err != nil {
			s.log().Error("payment watchdog failed", slog.Any("error", err))
		}
	}
	return summary
}

// Process handles a single record. Panics are recovered and reported as failures.
func (s *Service) Process(ctx context.Context, rec bankfeed.PaymentRecord) Result {
	res := s.guardedProcess(ctx, rec)
	s.metrics().AddPayment(string(rec.Provider), string(res.Outcome))
	s.guardedReport(ctx, rec, res)
	return res
}

func (s *Service) guardedProcess(ctx context.Context, rec bankfeed.PaymentRecord) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("matcher: panic: %v", r)}
		}
	}()
	return s.process(ctx, rec)
}

// guardedReport keeps a failing logger or notifier from aborting the batch.
func (s *Service) guardedReport(ctx context.Context, rec bankfeed.PaymentRecord, res Result) {
	defer func() {
		if r := recover(); r != nil {
			defer func() { _ = recover() }()
			s.log().Error("payment report failed",
				slog.String("dedup_key", rec.DedupKey),
				slog.String("outcome", string(res.Outcome)),
				slog.Any("panic", r),
			)
		}
	}()
	s.report(ctx, rec, res)
}

func (s *Service) process(ctx context.Context, rec bankfeed.PaymentRecord) Result {
	if rec.DedupKey == "" {
		return Result{Outcome: OutcomeFailed, Err: ledger.ErrDedupKeyRequired}
	}
	exists, err := s.store.PaymentExists(ctx, rec.DedupKey)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("matcher: dedup lookup: %w", err)}
	}
	if exists {
		return Result{Outcome: OutcomeDuplicate}
	}

	inv, res := s.resolve(ctx, rec)
	if res.Outcome != "" {
		return res
	}
	return s.apply(ctx, rec, inv)
}

// resolve finds the target invoice. A non-empty Outcome in the returned
// Result means the record is skipped.
func (s *Service) resolve(ctx context.Context, rec bankfeed.PaymentRecord) (ledger.Invoice, Result) {
	if rec.InvoiceID != nil {
		inv, err := s.store.FindInvoice(ctx, *rec.InvoiceID)
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Invoice{}, Result{Outcome: OutcomeUnknownInvoice, Reason: "target invoice not found", InvoiceID: *rec.InvoiceID}
		}
		if err != nil {
			return ledger.Invoice{}, Result{Outcome: OutcomeFailed, Err: fmt.Errorf("matcher: find invoice: %w", err)}
		}
		known, err := s.store.MemberExists(ctx, inv.MemberID)
		if err != nil {
			return ledger.Invoice{}, Result{Outcome: OutcomeFailed, Err: fmt.Errorf("matcher: find member: %w", err)}
		}
		if !known {
			return ledger.Invoice{}, Result{Outcome: OutcomeUnknownMember, Reason: "target invoice has no known member", MemberID: inv.MemberID, InvoiceID: inv.ID}
		}
		return inv, Result{}
	}

	if rec.Reference == "" {
		return ledger.Invoice{}, Result{Outcome: OutcomeUnknownReference, Reason: "no reference"}
	}
	if s.codec == nil {
		return ledger.Invoice{}, Result{Outcome: OutcomeFailed, Err: errors.New("matcher: reference codec not configured")}
	}
	ref, err := s.codec.Decode(rec.Reference)
	if err != nil {
		reason := string(reference.ClassInvalid)
		var decodeErr *reference.DecodeError
		if errors.As(err, &decodeErr) {
			reason = string(decodeErr.Kind)
		}
		return ledger.Invoice{}, Result{Outcome: OutcomeUnknownReference, Reason: reason, Err: err}
	}
	if ref.MemberID > math.MaxInt64 || ref.InvoiceID > math.MaxInt64 {
		return ledger.Invoice{}, Result{Outcome: OutcomeUnknownInvoice, Reason: "reference ids out of range"}
	}
	memberID, invoiceID := int64(ref.MemberID), int64(ref.InvoiceID)

	// A reference naming a member the ledger lacks resolves to no invoice;
	// unknown_member is reserved for explicit targets.
	var inv ledger.Invoice
	if memberID == 0 {
		inv, err = s.store.FindInvoice(ctx, invoiceID)
	} else {
		inv, err = s.store.FindMemberInvoice(ctx, memberID, invoiceID)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Invoice{}, Result{Outcome: OutcomeUnknownInvoice, Reason: "referenced invoice not found", MemberID: memberID, InvoiceID: invoiceID}
	}
	if err != nil {
		return ledger.Invoice{}, Result{Outcome: OutcomeFailed, Err: fmt.Errorf("matcher: find invoice: %w", err)}
	}
	return inv, Result{}
}

// apply records the payment and redistributes the member inside one member
// transaction, so the dedup insert and the invoice updates commit together.
func (s *Service) apply(ctx context.Context, rec bankfeed.PaymentRecord, inv ledger.Invoice) Result {
	res := Result{Outcome: OutcomeApplied, MemberID: inv.MemberID, InvoiceID: inv.ID}
	var updated ledger.Invoice
	err := s.store.WithMember(ctx, inv.MemberID, func(ctx context.Context, tx ledger.MemberTx) error {
		invoiceID := inv.ID
		_, created, err := tx.InsertPayment(ctx, ledger.PaymentInput{
			MemberID:  inv.MemberID,
			InvoiceID: &invoiceID,
			Amount:    rec.Amount,
			Date:      rec.Date,
			DedupKey:  rec.DedupKey,
			Provider:  string(rec.Provider),
		})
		if err != nil {
			return fmt.Errorf("matcher: insert payment: %w", err)
		}
		if !created {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		result, err := redistribution.Apply(ctx, tx)
		if err != nil {
			return err
		}
		if recomputed, ok := result.Invoice(inv.ID); ok {
			updated = recomputed
			res.Overpaid = recomputed.Overpaid()
		}
		return nil
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed, MemberID: inv.MemberID, InvoiceID: inv.ID, Err: err}
	}
	if res.Overpaid {
		s.notifier.Overpaid(ctx, OverpaidEvent{
			MemberID:   inv.MemberID,
			InvoiceID:  inv.ID,
			Amount:     updated.Amount,
			PaidAmount: updated.PaidAmount,
			DedupKey:   rec.DedupKey,
		})
	}
	return res
}

func (s *Service) report(ctx context.Context, rec bankfeed.PaymentRecord, res Result) {
	attrs := []any{
		slog.String("dedup_key", rec.DedupKey),
		slog.String("provider", string(rec.Provider)),
		slog.String("outcome", string(res.Outcome)),
		slog.String("amount", rec.Amount.StringFixed(2)),
	}
	if rec.Reference != "" {
		attrs = append(attrs, slog.String("reference", rec.Reference))
	}
	if res.MemberID != 0 {
		attrs = append(attrs, slog.Int64("member_id", res.MemberID))
	}
	if res.InvoiceID != 0 {
		attrs = append(attrs, slog.Int64("invoice_id", res.InvoiceID))
	}
	if res.Reason != "" {
		attrs = append(attrs, slog.String("reason", res.Reason))
	}
	if res.Err != nil {
		attrs = append(attrs, slog.Any("error", res.Err))
	}

	logger := s.log()
	switch res.Outcome {
	case OutcomeApplied:
		if res.Overpaid {
			logger.Warn("payment applied, invoice overpaid", attrs...)
			return
		}
		logger.Info("payment applied", attrs...)
	case OutcomeDuplicate:
		logger.Debug("payment already recorded", attrs...)
	case OutcomeFailed:
		logger.Error("payment processing failed", attrs...)
	case OutcomeUnknownReference:
		if res.Reason == string(reference.ClassInvalid) {
			logger.Error("payment reference failed validation", attrs...)
		} else {
			logger.Warn("payment reference not recognised", attrs...)
		}
		s.diagnose(ctx, rec, res)
	default:
		logger.Warn("payment skipped", attrs...)
		s.diagnose(ctx, rec, res)
	}
}

func (s *Service) diagnose(ctx context.Context, rec bankfeed.PaymentRecord, res Result) {
	s.notifier.Diagnostic(ctx, Diagnostic{
		Outcome:  res.Outcome,
		Reason:   res.Reason,
		MemberID: res.MemberID,
		Record:   rec,
	})
}

// CheckRecentPayments raises an alert when invoices were sent within the
// window but no bank payment was matched in it.
func (s *Service) CheckRecentPayments(ctx context.Context, window time.Duration) (bool, error) {
	since := s.now().Add(-window)
	activity, err := s.store.RecentActivity(ctx, since)
	if err != nil {
		return false, fmt.Errorf("matcher: recent activity: %w", err)
	}
	if activity.InvoicesSent == 0 || activity.PaymentsMatched > 0 {
		return false, nil
	}
	s.log().Warn("no payments matched recently",
		slog.Time("since", since),
		slog.Int("invoices_sent", activity.InvoicesSent),
	)
	s.metrics().AddWatchdogAlert()
	s.notifier.NoRecentPayments(ctx, WatchdogAlert{Since: since, Window: window, InvoicesSent: activity.InvoicesSent})
	return true, nil
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) metrics() *jobmetrics.Metrics {
	return s.Metrics
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}
