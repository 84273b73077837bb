// AIYGW Engine — движок выполнения pipeline tasks.
//
// Engine:
//   - Получает новые tasks из RabbitMQ (с polling fallback)
//   - Резервирует квоту и компилирует схему в план выполнения
//   - Ведёт task по плану: провайдерские шаги, FORK/JOIN ветки, retry
//   - Финализирует task, квотную сагу и публикует tasks.finished
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lpding888/aiygw4.0-sub012/internal/executor"
	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
	"github.com/lpding888/aiygw4.0-sub012/internal/orchestrator"
	"github.com/lpding888/aiygw4.0-sub012/internal/provider"
	"github.com/lpding888/aiygw4.0-sub012/internal/quota"
	"github.com/lpding888/aiygw4.0-sub012/internal/repo"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting aiygw-engine")

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

	// Создаём репозитории
	taskRepo := repo.NewTaskRepo(pool)
	stepRepo := repo.NewStepRepo(pool)
	schemaRepo := repo.NewSchemaRepo(pool)
	quotaRepo := repo.NewQuotaRepo(pool)
	providerRepo := repo.NewProviderRepo(pool)

	// Provider Registry
	registry := provider.NewRegistry(provider.RegistryConfig{
		Logger: logger,
	})

	providersPath := os.Getenv("PROVIDERS_CONFIG")
	if providersPath == "" {
		providersPath = "providers.json"
	}
	configs, err := provider.LoadConfigs(providersPath)
	if err != nil {
		logger.Error("failed to load providers config", "path", providersPath, "error", err)
		os.Exit(1)
	}
	for _, cfg := range configs {
		registry.Register(provider.NewHTTPProvider(cfg), cfg)
	}
	logger.Info("providers registered", "count", len(configs))

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err = mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Квотная сага и исполнитель шагов
	saga := quota.NewSaga(quota.SagaConfig{
		Store:  quotaRepo,
		Logger: logger,
	})

	exec := executor.New(executor.Config{
		Registry: registry,
		Steps:    stepRepo,
		Logger:   logger,
	})

	// Создаём orchestrator
	orchCfg := orchestrator.Config{
		Tasks:   taskRepo,
		Steps:   stepRepo,
		Schemas: schemaRepo,
		Saga:    saga,
		Runner:  exec,
		Conn:    mqConn,
		Logger:  logger,
	}
	if publisher != nil {
		orchCfg.Publisher = publisher
	}
	orch := orchestrator.New(orchCfg)

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// Периодически сбрасываем health-снимки провайдеров в БД,
	// чтобы API-процесс мог их отдавать.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, h := range registry.Health() {
					if err := providerRepo.UpsertHealth(ctx, h); err != nil {
						logger.Warn("failed to persist provider health",
							"provider", h.ProviderRef,
							"error", err,
						)
					}
				}
			}
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ENGINE_PORT"); v != "" {
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

	orch.Stop()
	logger.Info("aiygw-engine stopped")
}
