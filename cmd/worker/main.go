package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/merenda-erp/merenda-erp/internal/app"
	"github.com/merenda-erp/merenda-erp/internal/billing"
	jobmetrics "github.com/merenda-erp/merenda-erp/internal/jobs"
	"github.com/merenda-erp/merenda-erp/internal/platform/db"
	"github.com/merenda-erp/merenda-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	repo := billing.NewRepository(pool)
	service := billing.NewService(repo, repo, repo, logger)
	service.SetMetrics(billing.NewMetrics(prometheus.DefaultRegisterer))

	reconcileJob := jobs.NewInvoiceReconcileJob(service, logger, jobmetrics.NewMetrics(nil))

	scanTask, err := jobs.NewInvoiceReconcileScanTask(0)
	if err != nil {
		logger.Error("build reconcile scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskInvoiceReconcileScan, Handler: reconcileJob.HandleScan},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingReconcileCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("reconcile_cron", cfg.BillingReconcileCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
