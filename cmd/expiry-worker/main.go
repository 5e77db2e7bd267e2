package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medconsult/booking-engine/internal/appointment"
	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/config"
	"github.com/medconsult/booking-engine/internal/db"
	"github.com/medconsult/booking-engine/internal/notify"
	"github.com/medconsult/booking-engine/internal/payment"
	redisclient "github.com/medconsult/booking-engine/internal/redis"
	"github.com/medconsult/booking-engine/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel).Named("expiry-worker")
	log.Info("starting", "env", cfg.Env, "interval", cfg.WorkerInterval.String())

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

	rdb, err := redisclient.NewRedisClient(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Error("redis connection", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	runner := db.NewPoolRunner(pgPool)
	locker := redisclient.NewCalendarLocker(rdb, cfg.LockTTL, cfg.LockWait)
	apptRepo := appointment.NewPgRepository()
	payRepo := payment.NewPgRepository()
	emitter := audit.NewPgEmitter()
	notifier := notify.NewLogTrigger(log.Named("notify"))

	sm := appointment.NewStateMachine(apptRepo, payRepo, emitter, locker, runner, pgPool, nil, notifier, log, appointment.StateMachineConfig{
		CancelCutoff:       cfg.CancelCutoff,
		PendingPaymentTTL:  cfg.PendingPaymentTTL,
		PaymentMaxAttempts: cfg.PaymentMaxAttempts,
		FeeCents:           cfg.ConsultationFeeCents,
		Currency:           cfg.Currency,
	})

	runOnce(rootCtx, sm, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received")
			return
		case <-ticker.C:
			runOnce(rootCtx, sm, log)
		}
	}
}

func runOnce(ctx context.Context, sm *appointment.StateMachine, log *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := sm.ExpireStalePendingPayments(runCtx); err != nil {
		log.Error("expiry run", "error", err)
		return
	}
	log.Info("expiry run complete", "took", time.Since(start).String())
}
