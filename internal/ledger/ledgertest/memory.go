// Package ledgertest provides an in-memory ledger.Store for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
)

// Memory implements ledger.Store with per-member locking and rollback on error.
type Memory struct {
	mu            sync.Mutex
	members       map[int64]bool
	invoices      map[int64]ledger.Invoice
	payments      []ledger.Payment
	keys          map[string]bool
	memberLocks   map[int64]*sync.Mutex
	nextInvoiceID int64
	nextPaymentID int64
	clock         func() time.Time

	// FailUpdate, when set, is consulted before every invoice update.
	FailUpdate func(invoiceID int64) error
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		members:     make(map[int64]bool),
		invoices:    make(map[int64]ledger.Invoice),
		keys:        make(map[string]bool),
		memberLocks: make(map[int64]*sync.Mutex),
		clock:       time.Now,
	}
}

var _ ledger.Store = (*Memory)(nil)

// SetClock overrides the clock used for created_at timestamps.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// AddMember registers a known member.
func (m *Memory) AddMember(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[id] = true
}

// AddInvoice stores an invoice, assigning an id and open state when missing.
func (m *Memory) AddInvoice(inv ledger.Invoice) ledger.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == 0 {
		m.nextInvoiceID++
		inv.ID = m.nextInvoiceID
	} else if inv.ID > m.nextInvoiceID {
		m.nextInvoiceID = inv.ID
	}
	if inv.State == "" {
		inv.State = ledger.StateOpen
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.clock()
	}
	m.members[inv.MemberID] = true
	m.invoices[inv.ID] = inv
	return inv
}

// AddPayment stores an already recorded payment.
func (m *Memory) AddPayment(pay ledger.Payment) ledger.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPaymentID++
	pay.ID = m.nextPaymentID
	if pay.DedupKey == "" {
		pay.DedupKey = fmt.Sprintf("seed:%d", pay.ID)
	}
	if pay.CreatedAt.IsZero() {
		pay.CreatedAt = m.clock()
	}
	m.keys[pay.DedupKey] = true
	m.members[pay.MemberID] = true
	m.payments = append(m.payments, pay)
	return pay
}

// RemoveMember forgets a member while keeping its invoices.
func (m *Memory) RemoveMember(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, id)
}

// Invoice returns the committed invoice.
func (m *Memory) Invoice(id int64) ledger.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[id]
}

// Invoices returns the member's committed invoices in (date, id) order.
func (m *Memory) Invoices(memberID int64) []ledger.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberInvoices(memberID, nil)
}

// Payments returns all committed payments.
func (m *Memory) Payments() []ledger.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Payment, len(m.payments))
	copy(out, m.payments)
	return out
}

func (m *Memory) PaymentExists(ctx context.Context, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.DedupKey == dedupKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) MemberExists(ctx context.Context, memberID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[memberID], nil
}

func (m *Memory) FindInvoice(ctx context.Context, invoiceID int64) (ledger.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	return inv, nil
}

func (m *Memory) FindMemberInvoice(ctx context.Context, memberID, invoiceID int64) (ledger.Invoice, error) {
	inv, err := m.FindInvoice(ctx, invoiceID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if inv.MemberID != memberID {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	return inv, nil
}

func (m *Memory) RecentActivity(ctx context.Context, since time.Time) (ledger.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var activity ledger.Activity
	for _, inv := range m.invoices {
		if inv.SentAt != nil && !inv.SentAt.Before(since) && !inv.Canceled() {
			activity.InvoicesSent++
		}
	}
	for _, p := range m.payments {
		if !p.CreatedAt.Before(since) && p.InvoiceID != nil && p.Provider != "manual" {
			activity.PaymentsMatched++
		}
	}
	return activity, nil
}

func (m *Memory) WithMember(ctx context.Context, memberID int64, fn func(context.Context, ledger.MemberTx) error) error {
	lock := m.memberLock(memberID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memoryTx{store: m, memberID: memberID, staged: make(map[int64]ledger.Invoice)}
	committed := false
	defer func() {
		if committed {
			return
		}
		m.mu.Lock()
		for _, p := range tx.inserted {
			delete(m.keys, p.DedupKey)
		}
		m.mu.Unlock()
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inv := range tx.staged {
		m.invoices[id] = inv
	}
	m.payments = append(m.payments, tx.inserted...)
	committed = true
	return nil
}

func (m *Memory) memberLock(memberID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.memberLocks[memberID]
	if !ok {
		lock = &sync.Mutex{}
		m.memberLocks[memberID] = lock
	}
	return lock
}

func (m *Memory) memberInvoices(memberID int64, staged map[int64]ledger.Invoice) []ledger.Invoice {
	var out []ledger.Invoice
	for id, inv := range m.invoices {
		if inv.MemberID != memberID {
			continue
		}
		if s, ok := staged[id]; ok {
			inv = s
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type memoryTx struct {
	store    *Memory
	memberID int64
	staged   map[int64]ledger.Invoice
	inserted []ledger.Payment
}

func (t *memoryTx) MemberID() int64 {
	return t.memberID
}

func (t *memoryTx) ListInvoices(ctx context.Context) ([]ledger.Invoice, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.memberInvoices(t.memberID, t.staged), nil
}

func (t *memoryTx) ListPayments(ctx context.Context) ([]ledger.Payment, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []ledger.Payment
	for _, p := range t.store.payments {
		if p.MemberID == t.memberID {
			out = append(out, p)
		}
	}
	out = append(out, t.inserted...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, input ledger.PaymentInput) (ledger.Payment, bool, error) {
	if input.DedupKey == "" {
		return ledger.Payment{}, false, ledger.ErrDedupKeyRequired
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.keys[input.DedupKey] {
		return ledger.Payment{}, false, nil
	}
	t.store.keys[input.DedupKey] = true
	t.store.nextPaymentID++
	pay := ledger.Payment{
		ID:        t.store.nextPaymentID,
		MemberID:  t.memberID,
		InvoiceID: input.InvoiceID,
		Amount:    input.Amount,
		Date:      input.Date,
		DedupKey:  input.DedupKey,
		Provider:  input.Provider,
		CreatedAt: t.store.clock(),
	}
	t.inserted = append(t.inserted, pay)
	return pay, true, nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, state ledger.InvoiceState) error {
	if t.store.FailUpdate != nil {
		if err := t.store.FailUpdate(id); err != nil {
			return err
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	inv, ok := t.staged[id]
	if !ok {
		inv, ok = t.store.invoices[id]
	}
	if !ok || inv.MemberID != t.memberID || inv.Canceled() {
		return fmt.Errorf("ledgertest: update invoice %d: %w", id, ledger.ErrNotFound)
	}
	inv.PaidAmount = paid
	inv.State = state
	t.staged[id] = inv
	return nil
}
