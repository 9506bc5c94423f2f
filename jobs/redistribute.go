package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
)

// TaskBillingRedistribute recomputes paid amounts for a set of members.
const TaskBillingRedistribute = "billing:redistribute"

// RedistributePayload lists the members to recompute.
type RedistributePayload struct {
	MemberIDs []int64 `json:"member_ids"`
}

// Redistributor is satisfied by the redistribution service.
type Redistributor interface {
	RedistributeMany(ctx context.Context, memberIDs []int64) error
}

// RedistributeJob runs on-demand redistributions, e.g. after manual payment edits.
type RedistributeJob struct {
	Service Redistributor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRedistributeJob constructs the handler.
func NewRedistributeJob(service Redistributor, logger *slog.Logger, metrics *jobmetrics.Metrics) *RedistributeJob {
	return &RedistributeJob{Service: service, Logger: logger, Metrics: metrics}
}

// NewRedistributeTask builds the task for the given members.
func NewRedistributeTask(memberIDs ...int64) (*asynq.Task, error) {
	if len(memberIDs) == 0 {
		return nil, errors.New("redistribute: member ids required")
	}
	body, err := json.Marshal(RedistributePayload{MemberIDs: memberIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingRedistribute, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// Handle executes the redistribution.
func (j *RedistributeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("redistribute: service not configured")
	}
	var payload RedistributePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || len(payload.MemberIDs) == 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBillingRedistribute)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Service.RedistributeMany(ctx, payload.MemberIDs); err != nil {
		resultErr = err
		j.log().Error("redistribution failed", slog.Int("members", len(payload.MemberIDs)), slog.Any("error", err))
		if onlyUnknownMembers(err) {
			return errors.Join(err, asynq.SkipRetry)
		}
		return resultErr
	}
	j.log().Info("members redistributed", slog.Int("members", len(payload.MemberIDs)))
	return resultErr
}

// onlyUnknownMembers reports whether every joined error is ErrUnknownMember;
// retrying cannot fix those.
func onlyUnknownMembers(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return errors.Is(err, redistribution.ErrUnknownMember)
	}
	for _, e := range joined.Unwrap() {
		if !onlyUnknownMembers(e) {
			return false
		}
	}
	return true
}

func (j *RedistributeJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RedistributeJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingRedistribute))
	}
	return slog.Default().With(slog.String("job", TaskBillingRedistribute))
}
