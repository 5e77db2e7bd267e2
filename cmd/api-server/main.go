package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medconsult/booking-engine/internal/api"
	"github.com/medconsult/booking-engine/internal/appointment"
	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/availability"
	"github.com/medconsult/booking-engine/internal/config"
	"github.com/medconsult/booking-engine/internal/db"
	"github.com/medconsult/booking-engine/internal/metrics"
	"github.com/medconsult/booking-engine/internal/notify"
	"github.com/medconsult/booking-engine/internal/payment"
	redisclient "github.com/medconsult/booking-engine/internal/redis"
	"github.com/medconsult/booking-engine/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel).Named("api-server")
	log.Info("starting", "env", cfg.Env, "http_port", cfg.HTTPPort)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Error("postgres connection", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	log.Info("connected to postgres")

	rdb, err := redisclient.NewRedisClient(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Error("redis connection", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("closing redis", "error", err)
		}
	}()
	log.Info("connected to redis")

	queue := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	defer queue.Close()

	runner := db.NewPoolRunner(pgPool)
	locker := redisclient.NewCalendarLocker(rdb, cfg.LockTTL, cfg.LockWait)
	bookingMetrics := metrics.NewBookingMetrics(prometheus.DefaultRegisterer)

	availRepo := availability.NewPgRepository()
	apptRepo := appointment.NewPgRepository()
	payRepo := payment.NewPgRepository()
	emitter := audit.NewPgEmitter()
	notifier := notify.NewLogTrigger(log.Named("notify"))

	index := availability.NewIndex(availRepo, apptRepo, pgPool, cfg.SlotGranularity, cfg.BookingHorizon)
	alloc := appointment.NewAllocator(apptRepo, availRepo, index, emitter, locker, runner, pgPool, appointment.AllocatorConfig{
		Granularity: cfg.SlotGranularity,
		MaxSpan:     cfg.MaxClaimSpan,
	})
	sm := appointment.NewStateMachine(apptRepo, payRepo, emitter, locker, runner, pgPool, alloc, notifier, log.Named("statemachine"), appointment.StateMachineConfig{
		CancelCutoff:       cfg.CancelCutoff,
		PendingPaymentTTL:  cfg.PendingPaymentTTL,
		PaymentMaxAttempts: cfg.PaymentMaxAttempts,
		FeeCents:           cfg.ConsultationFeeCents,
		Currency:           cfg.Currency,
	})
	reconciler := payment.NewReconciler(payRepo, sm, emitter, runner, pgPool, notifier, log.Named("reconciler"))

	router := api.NewRouter(api.RouterConfig{
		Handlers: &api.Handlers{
			Index:   index,
			Alloc:   alloc,
			SM:      sm,
			Rec:     reconciler,
			Metrics: bookingMetrics,
			Log:     log,
		},
		Webhook: &api.WebhookHandler{
			Secret:  cfg.WebhookSecret,
			Queue:   queue,
			Metrics: bookingMetrics,
			Log:     log.Named("webhook"),
		},
		PgPool:  pgPool,
		Redis:   rdb,
		Log:     log,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			os.Exit(1)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}
