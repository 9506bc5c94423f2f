// Package redistribution recomputes invoice paid amounts for a member from
// the full payment history.
package redistribution

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
)

// Result carries the recomputed, non-canceled invoices in chronological order.
type Result struct {
	Invoices []ledger.Invoice
	// Unallocated is money that could not be placed because the member has
	// no non-canceled invoice.
	Unallocated decimal.Decimal
}

// Invoice returns the recomputed invoice with the given id.
func (r Result) Invoice(id int64) (ledger.Invoice, bool) {
	for _, inv := range r.Invoices {
		if inv.ID == id {
			return inv, true
		}
	}
	return ledger.Invoice{}, false
}

// PaidTotal sums the paid amounts of the recomputed invoices.
func (r Result) PaidTotal() decimal.Decimal {
	total := decimal.Zero
	for _, inv := range r.Invoices {
		total = total.Add(inv.PaidAmount)
	}
	return total
}

// Run recomputes every non-canceled invoice's paid amount and state. Inputs
// are not modified. The invoice states present on input decide which
// invoices count as previously closed.
//
// Allocation order:
//   - payback invoices add their magnitude to the pool
//   - targeted payments pay their invoice up to its missing amount, the rest
//     goes to the pool
//   - the pool pays previously closed invoices, then every other invoice,
//     oldest first
//   - money still left nets out payback invoices, whose paid amount drops to
//     their negative amount and returns the credit to the pool
//   - any residual lands on the most recent invoice
//
// Sweeps only move money while the pool is positive. Payback invoices stay out
// of the closed and chronological sweeps so a second run over the written-back
// states reproduces the first.
func Run(invoices []ledger.Invoice, payments []ledger.Payment) Result {
	active := make([]ledger.Invoice, 0, len(invoices))
	canceled := make(map[int64]bool)
	for _, inv := range invoices {
		if inv.Canceled() {
			canceled[inv.ID] = true
			continue
		}
		active = append(active, inv)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return chronological(active[i].Date.Unix(), active[i].ID, active[j].Date.Unix(), active[j].ID)
	})

	ordered := make([]ledger.Payment, len(payments))
	copy(ordered, payments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return chronological(ordered[i].Date.Unix(), ordered[i].ID, ordered[j].Date.Unix(), ordered[j].ID)
	})

	index := make(map[int64]int, len(active))
	previouslyClosed := make([]bool, len(active))
	remaining := decimal.Zero
	for i := range active {
		index[active[i].ID] = i
		previouslyClosed[i] = active[i].State == ledger.StateClosed
		active[i].PaidAmount = decimal.Zero
		if active[i].Payback() {
			remaining = remaining.Sub(active[i].Amount)
		}
	}

	for _, pay := range ordered {
		if pay.InvoiceID == nil || canceled[*pay.InvoiceID] {
			remaining = remaining.Add(pay.Amount)
			continue
		}
		i, ok := index[*pay.InvoiceID]
		if !ok {
			remaining = remaining.Add(pay.Amount)
			continue
		}
		apply := decimal.Max(decimal.Min(pay.Amount, active[i].MissingAmount()), decimal.Zero)
		active[i].PaidAmount = active[i].PaidAmount.Add(apply)
		remaining = remaining.Add(pay.Amount.Sub(apply))
	}

	for i := range active {
		if previouslyClosed[i] && !active[i].Payback() {
			remaining = sweep(&active[i], remaining)
		}
	}
	for i := range active {
		if !active[i].Payback() {
			remaining = sweep(&active[i], remaining)
		}
	}
	for i := range active {
		if active[i].Payback() {
			remaining = sweep(&active[i], remaining)
		}
	}

	result := Result{Invoices: active, Unallocated: decimal.Zero}
	if !remaining.IsZero() {
		if len(active) == 0 {
			result.Unallocated = remaining
		} else {
			last := &active[len(active)-1]
			last.PaidAmount = last.PaidAmount.Add(remaining)
		}
	}
	for i := range active {
		active[i].State = ledger.StateFor(active[i])
	}
	return result
}

// sweep moves min(remaining, missing) from the pool onto the invoice while the
// pool holds money. For a payback invoice the missing amount is negative, so
// the paid amount goes below zero and the pool grows.
func sweep(inv *ledger.Invoice, remaining decimal.Decimal) decimal.Decimal {
	if !remaining.IsPositive() {
		return remaining
	}
	apply := decimal.Min(remaining, inv.MissingAmount())
	inv.PaidAmount = inv.PaidAmount.Add(apply)
	return remaining.Sub(apply)
}

func chronological(dateA, idA, dateB, idB int64) bool {
	if dateA != dateB {
		return dateA < dateB
	}
	return idA < idB
}
