// AIYGW Reconciler — фоновая сверка состояния tasks.
//
// Reconciler:
//   - Фейлит RUNNING tasks, зависшие после смерти движка, и возвращает квоту
//   - Переотправляет осиротевшие PENDING tasks в очередь
//   - Выбирает лидера через PostgreSQL advisory lock
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
	"github.com/lpding888/aiygw4.0-sub012/internal/quota"
	"github.com/lpding888/aiygw4.0-sub012/internal/reconciler"
	"github.com/lpding888/aiygw4.0-sub012/internal/repo"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting aiygw-reconciler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	taskRepo := repo.NewTaskRepo(pool)
	quotaRepo := repo.NewQuotaRepo(pool)

	saga := quota.NewSaga(quota.SagaConfig{
		Store:  quotaRepo,
		Logger: logger,
	})

	// RabbitMQ — для переотправки осиротевших tasks.
	var publisher *mq.Publisher
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, pending requeue disabled", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		publisher = mq.NewPublisher(mqConn, logger)
	}

	recCfg := reconciler.Config{
		Pool:     pool,
		Tasks:    taskRepo,
		Saga:     saga,
		Schedule: os.Getenv("RECONCILER_SCHEDULE"),
		Logger:   logger,
	}
	if publisher != nil {
		recCfg.Publisher = publisher
	}
	if v := os.Getenv("STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			recCfg.StaleAfter = d
		}
	}

	rec := reconciler.New(recCfg)
	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("RECONCILER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	rec.Stop()
	logger.Info("aiygw-reconciler stopped")
}
