// AIYGW API — HTTP API для отправки tasks, публикации pipeline-схем
// и наблюдения за здоровьем провайдеров.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lpding888/aiygw4.0-sub012/internal/api"
	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
	"github.com/lpding888/aiygw4.0-sub012/internal/repo"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiygw_api_http_requests_total",
		Help: "Total HTTP requests handled by aiygw-api",
	})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting aiygw-api")

	// Подключаемся к базе данных
	pool, err := repo.NewPool(context.Background())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Создаём репозитории
	taskRepo := repo.NewTaskRepo(pool)
	stepRepo := repo.NewStepRepo(pool)
	schemaRepo := repo.NewSchemaRepo(pool)
	quotaRepo := repo.NewQuotaRepo(pool)
	providerRepo := repo.NewProviderRepo(pool)

	// RabbitMQ — команды движку (create/cancel).
	// Без очереди tasks подхватит polling движка, но отмена недоступна.
	var publisher *mq.Publisher
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, task commands degraded", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Создаём API handler
	cfg := api.Config{
		Tasks:   taskRepo,
		Steps:   stepRepo,
		Schemas: schemaRepo,
		Quota:   quotaRepo,
		Health:  providerRepo,
		Logger:  logger,
	}
	if publisher != nil {
		cfg.Publisher = publisher
	}
	handler := api.NewHandler(cfg)

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
