package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger/ledgertest"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func newImportFixture(t *testing.T) (*PaymentsImportJob, *ledgertest.Memory, *cache.Locker, *memoryIdempotency) {
	t.Helper()
	store := ledgertest.New()
	store.AddInvoice(ledger.Invoice{ID: 7, MemberID: 42, Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(100)})
	codec, err := reference.New(reference.Config{Scheme: reference.SchemeQR, BankRef: "210000"})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := cache.NewLocker(client)
	idem := &memoryIdempotency{}

	job := NewPaymentsImportJob(matcher.NewService(store, codec, nil), locker, idem, time.Minute, nil, nil)
	return job, store, locker, idem
}

func importTask(t *testing.T, payload PaymentsImportPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TaskPaymentsImport, body)
}

func qrRecord(t *testing.T, key string, amount int64) bankfeed.PaymentRecord {
	t.Helper()
	ref, err := reference.EncodeQR("210000", 42, 7)
	require.NoError(t, err)
	return bankfeed.PaymentRecord{
		Provider:  bankfeed.ProviderBAS,
		DedupKey:  key,
		Amount:    decimal.NewFromInt(amount),
		Date:      time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		Reference: ref,
	}
}

func TestPaymentsImportAppliesBatchOnce(t *testing.T) {
	job, store, _, idem := newImportFixture(t)
	payload := PaymentsImportPayload{
		BatchID:  "b-1",
		Provider: bankfeed.ProviderBAS,
		Records:  []bankfeed.PaymentRecord{qrRecord(t, "bas:1", 60), qrRecord(t, "bas:2", 40)},
	}

	require.NoError(t, job.Handle(context.Background(), importTask(t, payload)))
	require.Len(t, store.Payments(), 2)
	require.Equal(t, ledger.StateClosed, store.Invoice(7).State)
	require.Equal(t, "payments:import", idem.keys["b-1"])

	summary, err := job.Run(context.Background(), payload)
	require.NoError(t, err)
	require.Zero(t, summary.Total())
	require.Len(t, store.Payments(), 2)
}

func TestPaymentsImportRefusesConcurrentRun(t *testing.T) {
	job, store, locker, _ := newImportFixture(t)
	lock, err := locker.Acquire(context.Background(), shared.ImportLockKey("bas"), time.Minute)
	require.NoError(t, err)

	payload := PaymentsImportPayload{BatchID: "b-2", Provider: bankfeed.ProviderBAS, Records: []bankfeed.PaymentRecord{qrRecord(t, "bas:1", 60)}}
	err = job.Handle(context.Background(), importTask(t, payload))
	require.ErrorIs(t, err, cache.ErrLockHeld)
	require.Empty(t, store.Payments())

	require.NoError(t, lock.Unlock(context.Background()))
	require.NoError(t, job.Handle(context.Background(), importTask(t, payload)))
	require.Len(t, store.Payments(), 1)
}

func TestPaymentsImportReleasesBatchOnFailure(t *testing.T) {
	job, store, _, idem := newImportFixture(t)
	store.FailUpdate = func(int64) error { return errors.New("deadlock detected") }

	payload := PaymentsImportPayload{BatchID: "b-3", Provider: bankfeed.ProviderBAS, Records: []bankfeed.PaymentRecord{qrRecord(t, "bas:1", 60)}}
	err := job.Handle(context.Background(), importTask(t, payload))
	require.Error(t, err)
	require.NotContains(t, idem.keys, "b-3")

	store.FailUpdate = nil
	require.NoError(t, job.Handle(context.Background(), importTask(t, payload)))
	require.Len(t, store.Payments(), 1)
}

func TestPaymentsImportSkipsBadPayloads(t *testing.T) {
	job, _, _, _ := newImportFixture(t)

	err := job.Handle(context.Background(), asynq.NewTask(TaskPaymentsImport, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), importTask(t, PaymentsImportPayload{Provider: "postfinance"}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewPaymentsImportTaskNormalizes(t *testing.T) {
	batch := bankfeed.Batch{
		ID:       "b-4",
		Provider: bankfeed.ProviderRaiffeisen,
		Records: []bankfeed.Record{
			bankfeed.RaiffeisenTransaction{TransactionID: "R1", ValueDate: "01.05.2024", Amount: decimal.NewFromInt(10)},
			bankfeed.RaiffeisenTransaction{TransactionID: "R2", ValueDate: "01.05.2024", Amount: decimal.NewFromInt(-10)},
			bankfeed.RaiffeisenTransaction{TransactionID: "R3", ValueDate: "bad", Amount: decimal.NewFromInt(10)},
		},
	}
	task, errs, err := NewPaymentsImportTask(batch)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, TaskPaymentsImport, task.Type())

	var payload PaymentsImportPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "b-4", payload.BatchID)
	require.Len(t, payload.Records, 1)
	require.Equal(t, "raiffeisen:R1", payload.Records[0].DedupKey)
}

type fakeRedistributor struct {
	ids []int64
	err error
}

func (f *fakeRedistributor) RedistributeMany(_ context.Context, ids []int64) error {
	f.ids = append(f.ids, ids...)
	return f.err
}

func TestRedistributeJob(t *testing.T) {
	svc := &fakeRedistributor{}
	job := NewRedistributeJob(svc, nil, nil)
	task, err := NewRedistributeTask(3, 5)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{3, 5}, svc.ids)

	svc.err = errors.Join(redistribution.ErrUnknownMember, redistribution.ErrUnknownMember)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	svc.err = errors.Join(redistribution.ErrUnknownMember, errors.New("timeout"))
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	_, err = NewRedistributeTask()
	require.Error(t, err)
}

type fakeChecker struct {
	window time.Duration
	alert  bool
}

func (f *fakeChecker) CheckRecentPayments(_ context.Context, window time.Duration) (bool, error) {
	f.window = window
	return f.alert, nil
}

func TestPaymentsWatchdogJobWindow(t *testing.T) {
	checker := &fakeChecker{alert: true}
	job := NewPaymentsWatchdogJob(checker, 0, nil, nil)

	task, err := NewPaymentsWatchdogTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, DefaultWatchdogWindow, checker.window)

	task, err = NewPaymentsWatchdogTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, checker.window)

	bad := asynq.NewTask(TaskPaymentsWatchdog, []byte(`{"window":"soon"}`))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

func TestSendEmailJob(t *testing.T) {
	var gotAddr string
	var gotMsg []byte
	job := NewSendEmailJob("mail.local:25", "billing@example.org", nil)
	job.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		require.Equal(t, "billing@example.org", from)
		require.Equal(t, []string{"ops@example.org"}, to)
		return nil
	}

	task, err := NewSendEmailTask(SendEmailPayload{To: "ops@example.org", Subject: "hi", Body: "line1\nline2"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "mail.local:25", gotAddr)
	require.Contains(t, string(gotMsg), "Subject: hi\r\n")
	require.Contains(t, string(gotMsg), "line1\r\nline2")

	noRecipient, err := NewSendEmailTask(SendEmailPayload{Subject: "x"})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), noRecipient), asynq.SkipRetry)
}
