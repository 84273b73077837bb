package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

// Registry — реестр провайдеров с circuit breaker'ом на каждого.
//
// Registry — явно владеемый экземпляр, внедряемый в оркестратор:
// никакого процессо-глобального состояния. Каждый вызов провайдера
// проходит через его breaker; исходы попадают в health-трекер.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]Config
	byType    map[string][]string // type → refs

	breakers   map[string]*Breaker
	breakerCfg BreakerConfig

	health *healthTracker
	logger *slog.Logger

	// rnd — источник для взвешенного выбора; подменяется в тестах.
	rnd *rand.Rand
}

// RegistryConfig — конфигурация Registry.
type RegistryConfig struct {
	// Breaker — параметры circuit breaker для всех провайдеров.
	Breaker BreakerConfig

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		providers:  make(map[string]Provider),
		configs:    make(map[string]Config),
		byType:     make(map[string][]string),
		breakers:   make(map[string]*Breaker),
		breakerCfg: cfg.Breaker,
		health:     newHealthTracker(),
		logger:     logger,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register добавляет провайдера в реестр.
func (r *Registry) Register(p Provider, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := p.Ref()
	if cfg.Weight <= 0 {
		cfg.Weight = 1
	}

	r.providers[ref] = p
	r.configs[ref] = cfg
	r.breakers[ref] = NewBreaker(r.breakerCfg)
	if cfg.Type != "" {
		r.byType[cfg.Type] = append(r.byType[cfg.Type], ref)
	}
}

// Execute выполняет запрос к провайдеру через его circuit breaker.
//
// Открытый breaker возвращает *CircuitOpenError без обращения к
// провайдеру. Исход вызова (включая латентность) регистрируется в
// health-трекере и метриках.
func (r *Registry) Execute(ctx context.Context, ref string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	p, ok := r.providers[ref]
	breaker := r.breakers[ref]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, ref)
	}

	if err := breaker.Allow(ref); err != nil {
		telemetry.ProviderRequests.WithLabelValues(ref, "short_circuit").Inc()
		return nil, err
	}

	start := time.Now()
	output, err := p.Execute(ctx, input)
	latency := time.Since(start)

	if err != nil {
		breaker.OnFailure()
		r.health.record(ref, latency, false)
		telemetry.ProviderRequests.WithLabelValues(ref, "failure").Inc()
		telemetry.SetBreakerState(ref, string(breaker.State()))

		r.logger.Warn("provider call failed",
			"provider", ref,
			"latency", latency,
			"breaker_state", breaker.State(),
			"error", err,
		)
		return nil, err
	}

	breaker.OnSuccess()
	r.health.record(ref, latency, true)
	telemetry.ProviderRequests.WithLabelValues(ref, "success").Inc()
	telemetry.SetBreakerState(ref, string(breaker.State()))

	return output, nil
}

// ExecuteWithFallback выполняет запрос, а при открытом breaker'е
// вызывает fallback вместо возврата ошибки.
func (r *Registry) ExecuteWithFallback(ctx context.Context, ref string, input map[string]any,
	fallback func(ctx context.Context, input map[string]any) (map[string]any, error)) (map[string]any, error) {

	output, err := r.Execute(ctx, ref, input)
	if err == nil || fallback == nil {
		return output, err
	}
	if _, open := err.(*CircuitOpenError); !open {
		return nil, err
	}

	r.logger.Info("circuit open, invoking fallback", "provider", ref)
	return fallback(ctx, input)
}

// PickByType выбирает провайдера из группы эквивалентных по весу.
//
// exclude — ссылки, которые не рассматриваются (например, провайдеры
// с уже сработавшим breaker'ом в рамках текущего шага).
func (r *Registry) PickByType(providerType string, exclude map[string]bool) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := r.byType[providerType]
	if len(refs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoProviderAvailable, providerType)
	}

	total := 0
	candidates := make([]string, 0, len(refs))
	for _, ref := range refs {
		if exclude[ref] {
			continue
		}
		// Провайдеры с открытым breaker'ом не участвуют в выборе.
		if r.breakers[ref].State() == BreakerOpen {
			continue
		}
		candidates = append(candidates, ref)
		total += r.configs[ref].Weight
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoProviderAvailable, providerType)
	}

	pick := r.rnd.Intn(total)
	for _, ref := range candidates {
		pick -= r.configs[ref].Weight
		if pick < 0 {
			return ref, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// KnownRefs возвращает набор зарегистрированных ссылок
// (для валидации схем).
func (r *Registry) KnownRefs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make(map[string]bool, len(r.providers))
	for ref := range r.providers {
		refs[ref] = true
	}
	return refs
}

// GetState возвращает состояние breaker'а провайдера.
func (r *Registry) GetState(ref string) (BreakerState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, ok := r.breakers[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProviderNotFound, ref)
	}
	return breaker.State(), nil
}

// States возвращает состояния breaker'ов всех провайдеров.
func (r *Registry) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]BreakerState, len(r.breakers))
	for ref, breaker := range r.breakers {
		states[ref] = breaker.State()
	}
	return states
}

// Health возвращает снимки здоровья всех провайдеров.
func (r *Registry) Health() map[string]domain.ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]domain.ProviderHealth, len(r.providers))
	for ref, breaker := range r.breakers {
		result[ref] = r.health.snapshot(ref, breaker.State())
	}
	return result
}
