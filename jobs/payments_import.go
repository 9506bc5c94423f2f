package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

const (
	// TaskPaymentsImport feeds one provider batch through the payment matcher.
	TaskPaymentsImport = "payments:import"

	importModule = "payments:import"
)

// PaymentsImportPayload carries normalized records of one provider batch.
type PaymentsImportPayload struct {
	BatchID  string                   `json:"batch_id"`
	Provider bankfeed.Provider        `json:"provider"`
	Records  []bankfeed.PaymentRecord `json:"records"`
}

// PaymentProcessor is satisfied by the matcher service.
type PaymentProcessor interface {
	ProcessBatch(ctx context.Context, records []bankfeed.PaymentRecord) matcher.Summary
}

// IdempotencyStore remembers processed batch ids.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// PaymentsImportJob processes payment batches, one run per provider at a time.
type PaymentsImportJob struct {
	Matcher     PaymentProcessor
	Locker      *cache.Locker
	Idempotency IdempotencyStore
	LockTTL     time.Duration
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewPaymentsImportJob constructs the import handler. Locker and idempotency
// store are optional.
func NewPaymentsImportJob(m PaymentProcessor, locker *cache.Locker, idem IdempotencyStore, lockTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *PaymentsImportJob {
	return &PaymentsImportJob{Matcher: m, Locker: locker, Idempotency: idem, LockTTL: lockTTL, Logger: logger, Metrics: metrics}
}

// NewPaymentsImportTask builds the task. The batch id doubles as task id so
// asynq refuses a second copy while the first is still queued.
func NewPaymentsImportTask(batch bankfeed.Batch) (*asynq.Task, []error, error) {
	records, errs := batch.Normalize()
	body, err := json.Marshal(PaymentsImportPayload{BatchID: batch.ID, Provider: batch.Provider, Records: records})
	if err != nil {
		return nil, errs, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(5)}
	if batch.ID != "" {
		opts = append(opts, asynq.TaskID(importModule+":"+batch.ID))
	}
	return asynq.NewTask(TaskPaymentsImport, body, opts...), errs, nil
}

// Handle executes the import.
func (j *PaymentsImportJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Matcher == nil {
		return errors.New("payments import: matcher not configured")
	}
	var payload PaymentsImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if !payload.Provider.Valid() {
		j.log().Error("unknown provider", slog.String("provider", string(payload.Provider)))
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run processes the payload synchronously; the CLI uses it directly.
func (j *PaymentsImportJob) Run(ctx context.Context, payload PaymentsImportPayload) (summary matcher.Summary, resultErr error) {
	tracker := j.metrics().Track(TaskPaymentsImport)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.log().With(
		slog.String("provider", string(payload.Provider)),
		slog.String("batch_id", payload.BatchID),
	)

	if j.Locker != nil {
		ttl := j.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		lock, err := j.Locker.Acquire(ctx, shared.ImportLockKey(string(payload.Provider)), ttl)
		if err != nil {
			logger.Warn("import already running", slog.Any("error", err))
			return summary, err
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release import lock", slog.Any("error", err))
			}
		}()
	}

	if j.Idempotency != nil && payload.BatchID != "" {
		err := j.Idempotency.CheckAndInsert(ctx, payload.BatchID, importModule)
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			logger.Info("batch already imported")
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("payments import: idempotency: %w", err)
		}
	}

	logger.Info("importing payments", slog.Int("records", len(payload.Records)))
	summary = j.Matcher.ProcessBatch(ctx, payload.Records)
	if summary.Failed > 0 {
		if j.Idempotency != nil && payload.BatchID != "" {
			if err := j.Idempotency.Delete(context.WithoutCancel(ctx), payload.BatchID); err != nil {
				logger.Warn("release batch key", slog.Any("error", err))
			}
		}
		return summary, fmt.Errorf("payments import: %d of %d records failed", summary.Failed, len(payload.Records))
	}
	return summary, nil
}

func (j *PaymentsImportJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PaymentsImportJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPaymentsImport))
	}
	return slog.Default().With(slog.String("job", TaskPaymentsImport))
}
