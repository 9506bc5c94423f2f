package perf

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

func TestPaymentsImportThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	store, records := seedLedger(t, 20, 6)
	codec, err := reference.New(reference.Config{Scheme: reference.SchemeSCOR})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	// Five records target invoices that were never issued.
	for i := 0; i < 5; i++ {
		missing := int64(10_000 + i)
		records = append(records, bankfeed.PaymentRecord{
			Provider:  bankfeed.ProviderManual,
			DedupKey:  fmt.Sprintf("perf-missing-%d", i),
			Amount:    decimal.NewFromInt(10),
			Date:      time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
			InvoiceID: &missing,
		})
	}

	svc := matcher.NewService(store, codec, nil)
	svc.Metrics = metrics
	job := jobs.NewPaymentsImportJob(svc, nil, nil, 0, nil, metrics)

	summary, err := job.Run(context.Background(), jobs.PaymentsImportPayload{
		BatchID:  "perf-1",
		Provider: bankfeed.ProviderManual,
		Records:  records,
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Applied != 120 || summary.UnknownInvoice != 5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	// A failing redistribution run is recorded without disturbing the counters above.
	metrics.ObserveRedistribution(errors.New("timeout"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	runs := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskPaymentsImport, "status": "success"})
	if runs != 1 {
		t.Fatalf("expected one successful import run, got %f", runs)
	}
	applied := metricValue(t, families, "odyssey_billing_payments_total", map[string]string{"provider": "manual", "outcome": "applied"})
	unknown := metricValue(t, families, "odyssey_billing_payments_total", map[string]string{"provider": "manual", "outcome": "unknown_invoice"})
	ratio := applied / (applied + unknown)
	if ratio < 0.9 {
		t.Fatalf("applied ratio too low: %f", ratio)
	}
	failed := metricValue(t, families, "odyssey_billing_redistributions_total", map[string]string{"status": "failure"})
	if failed != 1 {
		t.Fatalf("expected one failed redistribution, got %f", failed)
	}

	importDuration := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": jobs.TaskPaymentsImport})
	if importDuration > 2.0 {
		t.Fatalf("import duration above budget: %f", importDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
