package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger/ledgertest"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
)

func TestMatcherLatencyTargets(t *testing.T) {
	store, records := seedLedger(t, 40, 5)
	codec, err := reference.New(reference.Config{Scheme: reference.SchemeSCOR})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	svc := matcher.NewService(store, codec, nil)

	samples := make([]time.Duration, 0, len(records))
	for _, rec := range records {
		start := time.Now()
		res := svc.Process(context.Background(), rec)
		samples = append(samples, time.Since(start))
		if res.Outcome != matcher.OutcomeApplied {
			t.Fatalf("record %s: outcome %s", rec.DedupKey, res.Outcome)
		}
	}

	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("matcher latency regression: p95=%s threshold=50ms", p95)
	}
}

func BenchmarkEncodeQR(b *testing.B) {
	codec, err := reference.New(reference.Config{Scheme: reference.SchemeQR, BankRef: "210000"})
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < b.N; i++ {
		if _, err := codec.Encode(uint64(i%100000), uint64(i%1_000_000_000)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeSCOR(b *testing.B) {
	codec, err := reference.New(reference.Config{Scheme: reference.SchemeSCOR})
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode("RF14 0000 0042 0000 0007"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRedistributionRun(b *testing.B) {
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	invoices := make([]ledger.Invoice, 0, 36)
	payments := make([]ledger.Payment, 0, 30)
	for i := 0; i < 36; i++ {
		invoices = append(invoices, ledger.Invoice{
			ID:       int64(i + 1),
			MemberID: 1,
			Date:     base.AddDate(0, i, 0),
			Amount:   decimal.NewFromInt(85),
			State:    ledger.StateOpen,
		})
	}
	for i := 0; i < 30; i++ {
		id := int64(i + 1)
		payments = append(payments, ledger.Payment{ID: id, MemberID: 1, InvoiceID: &id, Amount: decimal.NewFromInt(90), Date: base.AddDate(0, i, 3)})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		redistribution.Run(invoices, payments)
	}
}

// seedLedger creates members with open invoices and one exact payment record per invoice.
func seedLedger(t testing.TB, members, invoicesPerMember int) (*ledgertest.Memory, []bankfeed.PaymentRecord) {
	t.Helper()
	store := ledgertest.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]bankfeed.PaymentRecord, 0, members*invoicesPerMember)
	for m := 1; m <= members; m++ {
		for i := 0; i < invoicesPerMember; i++ {
			inv := store.AddInvoice(ledger.Invoice{
				MemberID: int64(m),
				Date:     base.AddDate(0, i, 0),
				Amount:   decimal.NewFromInt(50),
			})
			id := inv.ID
			records = append(records, bankfeed.PaymentRecord{
				Provider:  bankfeed.ProviderManual,
				DedupKey:  fmt.Sprintf("perf-%d", id),
				Amount:    decimal.NewFromInt(50),
				Date:      base.AddDate(0, i, 5),
				InvoiceID: &id,
			})
		}
	}
	return store, records
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
