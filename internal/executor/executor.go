package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/provider"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

// Параметры retry по умолчанию.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// ProviderCaller — то, что executor'у нужно от реестра провайдеров.
// Реализуется *provider.Registry.
type ProviderCaller interface {
	Execute(ctx context.Context, ref string, input map[string]any) (map[string]any, error)
	PickByType(providerType string, exclude map[string]bool) (string, error)
}

// StepStore — персистенция прогресса шага между попытками.
type StepStore interface {
	Update(ctx context.Context, step *domain.Step) error
}

// Executor выполняет один шаг pipeline с retry и fallback.
type Executor struct {
	registry ProviderCaller
	steps    StepStore
	logger   *slog.Logger

	// sleep подменяется в тестах, чтобы не ждать backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// Config — конфигурация Executor.
type Config struct {
	// Registry — реестр провайдеров.
	Registry ProviderCaller

	// Steps — хранилище шагов; nil допустим (прогресс не персистится).
	Steps StepStore

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: cfg.Registry,
		steps:    cfg.Steps,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Run выполняет шаг: разрешает провайдера, вызывает его с retry по
// политике узла и возвращает output успешной попытки.
//
// Классификация ошибок:
//   - transient (таймаут, 5xx, транспорт) — повтор с exponential backoff;
//   - permanent (4xx, отказ вендора) — немедленный фейл без retry;
//   - открытый circuit breaker — попытка переключения на эквивалентного
//     провайдера той же группы, если узел задаёт provider_type.
//
// step.RetryCount обновляется после каждой неудачной попытки и
// персистится, если задан StepStore.
func (e *Executor) Run(ctx context.Context, step *domain.Step, node *domain.NodeDef, input map[string]any) (map[string]any, error) {
	ref := node.ProviderRef
	if ref == "" {
		if node.ProviderType == "" {
			return nil, fmt.Errorf("node %s: %w", node.ID, ErrMissingProvider)
		}
		picked, err := e.registry.PickByType(node.ProviderType, nil)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		ref = picked
	}
	step.ProviderRef = ref

	maxAttempts := defaultMaxAttempts
	if node.Retry != nil && node.Retry.MaxAttempts > 0 {
		maxAttempts = node.Retry.MaxAttempts
	}

	payload := mergeConfig(input, node.Config)
	tried := map[string]bool{}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := e.callProvider(ctx, ref, node, payload)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Открытый breaker: пробуем эквивалентного провайдера,
		// не сжигая попытку на заведомо закрытую дверь.
		var openErr *provider.CircuitOpenError
		if errors.As(err, &openErr) && node.ProviderType != "" {
			tried[ref] = true
			alt, pickErr := e.registry.PickByType(node.ProviderType, tried)
			if pickErr == nil {
				e.logger.Info("switching provider on open circuit",
					"step_id", step.ID,
					"from", ref,
					"to", alt,
				)
				ref = alt
				step.ProviderRef = alt
				attempt--
				continue
			}
		}

		if !provider.IsTransient(err) {
			e.logger.Warn("permanent step failure",
				"step_id", step.ID,
				"provider", ref,
				"error", err,
			)
			return nil, err
		}

		if attempt == maxAttempts {
			break
		}

		step.RetryCount++
		if e.steps != nil {
			if updErr := e.steps.Update(ctx, step); updErr != nil {
				e.logger.Warn("persist retry count failed", "step_id", step.ID, "error", updErr)
			}
		}
		telemetry.StepRetries.WithLabelValues(ref).Inc()

		delay := backoffDelay(attempt, node.Retry)
		e.logger.Debug("retrying step",
			"step_id", step.ID,
			"provider", ref,
			"attempt", attempt,
			"delay", delay,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("step %s after %d attempts: %w: %w",
		step.ID, maxAttempts, ErrAttemptsExhausted, lastErr)
}

// callProvider выполняет одну попытку с таймаутом узла.
func (e *Executor) callProvider(ctx context.Context, ref string, node *domain.NodeDef, input map[string]any) (map[string]any, error) {
	if node.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSec)*time.Second)
		defer cancel()
	}
	return e.registry.Execute(ctx, ref, input)
}

// mergeConfig совмещает input шага с конфигурацией узла.
// Поля input имеют приоритет над одноимёнными полями config.
func mergeConfig(input, config map[string]any) map[string]any {
	if len(config) == 0 {
		return input
	}
	merged := make(map[string]any, len(input)+len(config))
	for k, v := range config {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	return merged
}

// backoffDelay вычисляет задержку перед следующей попыткой.
// Exponential: initialDelay * 2^(attempt-1), с потолком maxDelay.
func backoffDelay(attempt int, policy *domain.RetryPolicy) time.Duration {
	initialDelay := defaultInitialDelay
	maxDelay := defaultMaxDelay
	if policy != nil {
		if policy.InitialDelayMs > 0 {
			initialDelay = time.Duration(policy.InitialDelayMs) * time.Millisecond
		}
		if policy.MaxDelayMs > 0 {
			maxDelay = time.Duration(policy.MaxDelayMs) * time.Millisecond
		}
	}

	delay := initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// sleepCtx ждёт d с учётом отмены контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
