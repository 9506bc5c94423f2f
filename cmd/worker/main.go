package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/app"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/notify"
	"github.com/odyssey-erp/odyssey-billing/internal/observability"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	codec, err := reference.New(cfg.ReferenceConfig())
	if err != nil {
		logger.Error("reference codec", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	mailer, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := mailer.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	notifier, err := notify.NewOperatorNotifier(mailer, notify.Config{
		To:       cfg.OperatorEmail,
		Currency: cfg.Currency,
		Locale:   cfg.Locale,
	}, logger)
	if err != nil {
		logger.Error("init notifier", slog.Any("error", err))
		os.Exit(1)
	}

	// The worker has no HTTP surface; its collectors stay process local.
	jobMetrics := observability.NewMetrics().Jobs()

	repo := ledger.NewRepository(pool)
	matcherService := matcher.NewService(repo, codec, notifier)
	matcherService.Logger = logger
	matcherService.Metrics = jobMetrics

	importJob := jobs.NewPaymentsImportJob(
		matcherService,
		cache.NewLocker(redisClient),
		shared.NewIdempotencyStore(pool),
		cfg.ImportLockTTL,
		logger,
		jobMetrics,
	)
	redistributeJob := jobs.NewRedistributeJob(
		redistribution.NewService(repo, logger, jobMetrics, cfg.RedistributeParallelism),
		logger,
		jobMetrics,
	)
	watchdogJob := jobs.NewPaymentsWatchdogJob(matcherService, cfg.WatchdogWindow, logger, jobMetrics)
	mailJob := jobs.NewSendEmailJob(cfg.SMTPAddr, cfg.SMTPFrom, logger)

	watchdogTask, err := jobs.NewPaymentsWatchdogTask(cfg.WatchdogWindow)
	if err != nil {
		logger.Error("build watchdog task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: mailJob.Handle},
			{Type: jobs.TaskPaymentsImport, Handler: importJob.Handle},
			{Type: jobs.TaskBillingRedistribute, Handler: redistributeJob.Handle},
			{Type: jobs.TaskPaymentsWatchdog, Handler: watchdogJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WatchdogCron, Task: watchdogTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
