package redistribution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger/ledgertest"
)

func seedMember(store *ledgertest.Memory, memberID int64) (a, b ledger.Invoice) {
	a = store.AddInvoice(ledger.Invoice{MemberID: memberID, Date: day(time.January, 1), Amount: decimal.NewFromInt(100)})
	b = store.AddInvoice(ledger.Invoice{MemberID: memberID, Date: day(time.February, 1), Amount: decimal.NewFromInt(50)})
	store.AddPayment(ledger.Payment{MemberID: memberID, Amount: decimal.NewFromInt(120), Date: day(time.March, 1)})
	return a, b
}

func TestRedistributeWritesBack(t *testing.T) {
	store := ledgertest.New()
	a, b := seedMember(store, 7)
	svc := NewService(store, nil, nil, 2)

	result, err := svc.Redistribute(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, result.Invoices, 2)

	gotA := store.Invoice(a.ID)
	gotB := store.Invoice(b.ID)
	require.True(t, gotA.PaidAmount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, ledger.StateClosed, gotA.State)
	require.True(t, gotB.PaidAmount.Equal(decimal.NewFromInt(20)))
	require.Equal(t, ledger.StateOpen, gotB.State)
}

func TestRedistributeIsIdempotent(t *testing.T) {
	store := ledgertest.New()
	seedMember(store, 7)
	store.AddInvoice(ledger.Invoice{MemberID: 7, Date: day(time.January, 1), Amount: decimal.NewFromInt(-20)})
	svc := NewService(store, nil, nil, 1)

	_, err := svc.Redistribute(context.Background(), 7)
	require.NoError(t, err)
	first := store.Invoices(7)

	var updates atomic.Int32
	store.FailUpdate = func(int64) error {
		updates.Add(1)
		return nil
	}
	_, err = svc.Redistribute(context.Background(), 7)
	require.NoError(t, err)

	require.Equal(t, first, store.Invoices(7))
	require.Zero(t, updates.Load())
}

func TestRedistributeRollsBackOnFailure(t *testing.T) {
	store := ledgertest.New()
	a, b := seedMember(store, 7)
	boom := errors.New("disk full")
	store.FailUpdate = func(id int64) error {
		if id == b.ID {
			return boom
		}
		return nil
	}
	svc := NewService(store, nil, nil, 1)

	_, err := svc.Redistribute(context.Background(), 7)
	require.ErrorIs(t, err, boom)

	require.True(t, store.Invoice(a.ID).PaidAmount.IsZero())
	require.Equal(t, ledger.StateOpen, store.Invoice(a.ID).State)
	require.True(t, store.Invoice(b.ID).PaidAmount.IsZero())
}

func TestRedistributeUnknownMember(t *testing.T) {
	svc := NewService(ledgertest.New(), nil, nil, 1)

	_, err := svc.Redistribute(context.Background(), 404)
	require.ErrorIs(t, err, ErrUnknownMember)
}

func TestRedistributeManyRunsEveryMember(t *testing.T) {
	store := ledgertest.New()
	ids := []int64{1, 2, 3, 4, 5, 6}
	for _, id := range ids {
		seedMember(store, id)
	}
	svc := NewService(store, nil, nil, 3)

	err := svc.RedistributeMany(context.Background(), append(ids, 404, 1))
	require.ErrorIs(t, err, ErrUnknownMember)

	for _, id := range ids {
		invoices := store.Invoices(id)
		require.Len(t, invoices, 2)
		require.True(t, invoices[0].PaidAmount.Equal(decimal.NewFromInt(100)), "member %d", id)
		require.True(t, invoices[1].PaidAmount.Equal(decimal.NewFromInt(20)), "member %d", id)
	}
}

func TestRedistributeManyWithoutFailures(t *testing.T) {
	store := ledgertest.New()
	seedMember(store, 1)
	seedMember(store, 2)
	svc := NewService(store, nil, nil, 0)

	require.NoError(t, svc.RedistributeMany(context.Background(), []int64{1, 2}))
}
