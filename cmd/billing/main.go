package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/app"
	"github.com/odyssey-erp/odyssey-billing/internal/billing"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	notifier, err := notify.NewOperatorNotifier(queue, notify.Config{
		To:       cfg.OperatorEmail,
		Currency: cfg.Currency,
		Locale:   cfg.Locale,
	}, logger)
	if err != nil {
		logger.Error("init notifier", slog.Any("error", err))
		os.Exit(1)
	}

	repo := ledger.NewRepository(dbpool)
	matcherService := matcher.NewService(repo, codec, notifier)
	matcherService.Logger = logger
	matcherService.Metrics = metrics.Jobs()
	importer := jobs.NewPaymentsImportJob(
		matcherService,
		cache.NewLocker(redisClient),
		shared.NewIdempotencyStore(dbpool),
		cfg.ImportLockTTL,
		logger,
		metrics.Jobs(),
	)
	redistributor := redistribution.NewService(repo, logger, metrics.Jobs(), cfg.RedistributeParallelism)
	billingHandler := billing.NewHandler(logger, codec, importer, queue, redistributor)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billingHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("scheme", string(codec.Scheme())),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
