package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/text/language"

	"github.com/merenda-erp/merenda-erp/cmd/merenda/cli"
	"github.com/merenda-erp/merenda-erp/internal/app"
	"github.com/merenda-erp/merenda-erp/internal/billing"
	billinghttp "github.com/merenda-erp/merenda-erp/internal/billing/http"
	"github.com/merenda-erp/merenda-erp/internal/observability"
	"github.com/merenda-erp/merenda-erp/internal/platform/cache"
	"github.com/merenda-erp/merenda-erp/internal/platform/db"
	"github.com/merenda-erp/merenda-erp/jobs"
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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "verify":
		os.Exit(runVerify(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, verify or jobs)\n", command)
		os.Exit(2)
	}
}

type runtime struct {
	pool    *pgxpool.Pool
	redis   *redis.Client
	service *billing.Service
}

func (rt *runtime) Close(logger *slog.Logger) {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

// buildRuntime connects Postgres and Redis and assembles the billing service.
func buildRuntime(ctx context.Context, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics) (*runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	rt := &runtime{pool: pool}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, order lock and report cache disabled", slog.Any("error", err))
	} else {
		rt.redis = redisClient
	}

	repo := billing.NewRepository(pool)
	service := billing.NewService(repo, repo, repo, logger)
	if rt.redis != nil {
		service.SetLocker(billing.NewRedisOrderLocker(rt.redis, cfg.BillingLockTTL))
		service.SetReportCache(billing.NewRedisReportCache(rt.redis, cfg.BillingReportCacheTTL, logger))
	}
	if metrics != nil {
		service.SetMetrics(billing.NewMetrics(metrics.Registerer()))
	}
	rt.service = service
	return rt, nil
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	rt, err := buildRuntime(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer rt.Close(logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	var jobHandler *jobs.Handler
	if rt.redis != nil {
		jobClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			return err
		}
		defer func() { _ = jobClient.Close() }()
		rt.service.SetIntegrationHandler(jobClient)

		inspector := asynq.NewInspector(redisOpts)
		defer func() { _ = inspector.Close() }()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	tag, err := language.Parse(cfg.BillingCSVLocale)
	if err != nil {
		logger.Warn("invalid csv locale, using pt-BR", slog.String("locale", cfg.BillingCSVLocale))
		tag = language.BrazilianPortuguese
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billinghttp.NewHandler(logger, rt.service, billing.NewCSVExporter(tag)),
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Database:       rt.pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	return nil
}

func runVerify(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	invoiceID := fs.Int64("invoice", 0, "invoice id to reconcile")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rt, err := buildRuntime(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("verify", slog.Any("error", err))
		return 1
	}
	defer rt.Close(logger)
	return cli.VerifyCommand(ctx, rt.service, cli.VerifyOptions{InvoiceID: *invoiceID, JSONOutput: *jsonOut})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	invoiceID := fs.Int64("invoice", 0, "invoice id for billing:invoice:reconcile")
	if len(args) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: merenda jobs trigger <task> [-invoice N] | merenda jobs stats")
		return 2
	}
	action, rest := args[0], args[1:]

	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch action {
	case "trigger":
		if len(rest) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "jobs trigger: task name required")
			return 2
		}
		name := rest[0]
		if err := fs.Parse(rest[1:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, name, *invoiceID)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "jobs: unknown action %q\n", action)
		return 2
	}
	return 0
}
