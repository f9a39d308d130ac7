package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"classflow/arbiter"
	"classflow/attendance"
	"classflow/classreq"
	"classflow/config"
	"classflow/db"
	"classflow/dispute"
	"classflow/identity"
	"classflow/jobs"
	"classflow/logging"
	"classflow/metrics"
	"classflow/observability"
	"classflow/outbox"
	"classflow/payment"
	"classflow/schedule"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer lg.Closer()
	logger := lg.Base

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "classflow")
	if err != nil {
		logger.Fatal("init sentry", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	identitySvc := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	classSvc := classreq.NewService(pool, nil)
	scheduler := schedule.NewScheduler(pool, classSvc, logger)
	disputeRepo := dispute.NewRepository(pool)

	workflow := attendance.NewWorkflow(pool, attendance.NewRepository(pool), identitySvc, disputeRepo, logger)
	payments := payment.NewHandler(pool, classSvc, scheduler, cfg.HorizonWeeks, logger)

	server := &Server{
		classService:      classSvc,
		claimService:      arbiter.New(classSvc, scheduler, logger, cfg.HorizonWeeks),
		attendanceService: workflow,
		disputeService:    dispute.NewService(pool, disputeRepo, logger),
		paymentService:    payments,
		log:               logger,
	}

	outboxWorker := outbox.NewWorker(pool, nil, logger)

	runner := jobs.New(ctx, logger)
	runner.Every(time.Minute, "confirmation_sweep", func(ctx context.Context) error {
		_, err := workflow.ResolveExpired(ctx, cfg.ConfirmWindow)
		return err
	})
	runner.Every(5*time.Minute, "deposit_expiry", func(ctx context.Context) error {
		_, err := payments.ExpireDeposits(ctx, cfg.DepositWindow)
		return err
	})
	runner.Every(time.Hour, "session_topup", func(ctx context.Context) error {
		return scheduler.TopUp(ctx, cfg.HorizonWeeks)
	})
	runner.Every(15*time.Second, "outbox_drain", func(ctx context.Context) error {
		_, err := outboxWorker.DrainOnce(ctx, 100)
		return err
	})

	mux := http.NewServeMux()
	server.routes(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.Info("http listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.Int("horizon_weeks", cfg.HorizonWeeks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
