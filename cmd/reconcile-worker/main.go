package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/medconsult/booking-engine/internal/appointment"
	"github.com/medconsult/booking-engine/internal/audit"
	"github.com/medconsult/booking-engine/internal/config"
	"github.com/medconsult/booking-engine/internal/db"
	"github.com/medconsult/booking-engine/internal/notify"
	"github.com/medconsult/booking-engine/internal/payment"
	redisclient "github.com/medconsult/booking-engine/internal/redis"
	"github.com/medconsult/booking-engine/internal/tasks"
	"github.com/medconsult/booking-engine/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel).Named("reconcile-worker")
	log.Info("starting", "env", cfg.Env)

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
	reconciler := payment.NewReconciler(payRepo, sm, emitter, runner, pgPool, notifier, log)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		},
		asynq.Config{
			Concurrency: 10,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n*n) * time.Second
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypePaymentEvent, func(ctx context.Context, t *asynq.Task) error {
		ev, err := tasks.DecodePaymentEvent(t)
		if err != nil {
			return fmt.Errorf("decode payment event: %v: %w", err, asynq.SkipRetry)
		}
		if err := reconciler.Apply(ctx, ev); err != nil {
			// Malformed envelopes and events for unknown payments never
			// become applicable; redelivery would only burn retries.
			var malformed *payment.MalformedEventError
			var unknown *payment.UnknownAppointmentError
			if errors.As(err, &malformed) || errors.As(err, &unknown) {
				log.Warn("dropping unprocessable event",
					"provider_event_id", ev.ProviderEventID, "error", err)
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	})

	go func() {
		<-rootCtx.Done()
		log.Info("shutdown signal received")
		srv.Shutdown()
	}()

	if err := srv.Run(mux); err != nil {
		log.Error("asynq server", "error", err)
		os.Exit(1)
	}
}
