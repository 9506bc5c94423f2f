package redistribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
)

// ErrUnknownMember is returned when redistributing a member the ledger does not know.
var ErrUnknownMember = errors.New("redistribution: unknown member")

const defaultParallelism = 4

// Service runs redistributions against the ledger, one atomic unit per member.
type Service struct {
	store       ledger.Store
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	parallelism int
}

// NewService builds the service. parallelism bounds RedistributeMany.
func NewService(store ledger.Store, logger *slog.Logger, metrics *jobmetrics.Metrics, parallelism int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Service{store: store, logger: logger, metrics: metrics, parallelism: parallelism}
}

// Redistribute recomputes every invoice of the member inside one member-scoped
// transaction. Any failure rolls back all invoice updates of the run.
func (s *Service) Redistribute(ctx context.Context, memberID int64) (Result, error) {
	exists, err := s.store.MemberExists(ctx, memberID)
	if err != nil {
		return Result{}, fmt.Errorf("redistribution: lookup member %d: %w", memberID, err)
	}
	if !exists {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownMember, memberID)
	}

	var result Result
	err = s.store.WithMember(ctx, memberID, func(ctx context.Context, tx ledger.MemberTx) error {
		var applyErr error
		result, applyErr = Apply(ctx, tx)
		return applyErr
	})
	s.metrics.ObserveRedistribution(err)
	if err != nil {
		s.logger.Error("redistribution failed", slog.Int64("member_id", memberID), slog.Any("error", err))
		return Result{}, fmt.Errorf("redistribution: member %d: %w", memberID, err)
	}
	if !result.Unallocated.IsZero() {
		s.logger.Warn("member has money but no invoice to hold it",
			slog.Int64("member_id", memberID),
			slog.String("unallocated", result.Unallocated.StringFixed(2)),
		)
	}
	s.logger.Debug("member redistributed", slog.Int64("member_id", memberID), slog.Int("invoices", len(result.Invoices)))
	return result, nil
}

// RedistributeMany redistributes distinct members concurrently. Every member
// is attempted; failures are joined into the returned error.
func (s *Service) RedistributeMany(ctx context.Context, memberIDs []int64) error {
	seen := make(map[int64]bool, len(memberIDs))
	errs := make([]error, len(memberIDs))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			_, errs[i] = s.Redistribute(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Apply runs the redistribution inside an already open member transaction and
// writes back every invoice whose paid amount or state changed.
func Apply(ctx context.Context, tx ledger.MemberTx) (Result, error) {
	invoices, err := tx.ListInvoices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("redistribution: list invoices: %w", err)
	}
	payments, err := tx.ListPayments(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("redistribution: list payments: %w", err)
	}

	before := make(map[int64]ledger.Invoice, len(invoices))
	for _, inv := range invoices {
		before[inv.ID] = inv
	}

	result := Run(invoices, payments)
	for _, inv := range result.Invoices {
		prev := before[inv.ID]
		if prev.PaidAmount.Equal(inv.PaidAmount) && prev.State == inv.State {
			continue
		}
		if err := tx.UpdateInvoice(ctx, inv.ID, inv.PaidAmount, inv.State); err != nil {
			return Result{}, fmt.Errorf("redistribution: update invoice %d: %w", inv.ID, err)
		}
	}
	return result, nil
}
