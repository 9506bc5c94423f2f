package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
)

// TaskPaymentsWatchdog checks that the bank feeds still deliver payments.
const TaskPaymentsWatchdog = "payments:watchdog"

// DefaultWatchdogWindow is three weeks.
const DefaultWatchdogWindow = 21 * 24 * time.Hour

// WatchdogPayload configures the trailing window.
type WatchdogPayload struct {
	Window string `json:"window"`
}

// FeedChecker is satisfied by the matcher service.
type FeedChecker interface {
	CheckRecentPayments(ctx context.Context, window time.Duration) (bool, error)
}

// PaymentsWatchdogJob raises an alert when invoices go out but no payments come in.
type PaymentsWatchdogJob struct {
	Checker FeedChecker
	Window  time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPaymentsWatchdogJob constructs the handler. window is used when the task
// does not carry one.
func NewPaymentsWatchdogJob(checker FeedChecker, window time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *PaymentsWatchdogJob {
	return &PaymentsWatchdogJob{Checker: checker, Window: window, Logger: logger, Metrics: metrics}
}

// NewPaymentsWatchdogTask builds the cron task.
func NewPaymentsWatchdogTask(window time.Duration) (*asynq.Task, error) {
	payload := WatchdogPayload{}
	if window > 0 {
		payload.Window = window.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentsWatchdog, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the check.
func (j *PaymentsWatchdogJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Checker == nil {
		return errors.New("payments watchdog: checker not configured")
	}
	var payload WatchdogPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	window := j.Window
	if payload.Window != "" {
		parsed, err := time.ParseDuration(payload.Window)
		if err != nil || parsed <= 0 {
			return asynq.SkipRetry
		}
		window = parsed
	}
	if window <= 0 {
		window = DefaultWatchdogWindow
	}

	tracker := j.metrics().Track(TaskPaymentsWatchdog)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	alerted, err := j.Checker.CheckRecentPayments(ctx, window)
	if err != nil {
		resultErr = err
		j.log().Error("watchdog check failed", slog.Any("error", err))
		return resultErr
	}
	j.log().Info("watchdog check completed", slog.Duration("window", window), slog.Bool("alerted", alerted))
	return resultErr
}

func (j *PaymentsWatchdogJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PaymentsWatchdogJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPaymentsWatchdog))
	}
	return slog.Default().With(slog.String("job", TaskPaymentsWatchdog))
}
