package provider

import (
	"sync"
	"time"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// Параметры health-трекера.
const (
	// latencyAlpha — коэффициент EWMA для средней латентности.
	latencyAlpha = 0.2

	// healthWindowSize — размер скользящего окна success rate.
	healthWindowSize = 50

	// degradedThreshold — success rate ниже порога → DEGRADED.
	degradedThreshold = 0.8
)

// healthTracker собирает статистику вызовов по провайдерам.
//
// Мутируется только из Registry.Execute (после каждого вызова) —
// конкурентные ветки сериализуются на мьютексе трекера.
type healthTracker struct {
	mu      sync.Mutex
	entries map[string]*healthEntry
	now     func() time.Time
}

// healthEntry — накопленная статистика одного провайдера.
type healthEntry struct {
	consecutiveFailures int
	avgLatencyMs        float64
	window              []bool // скользящее окно исходов
	lastFailureAt       *time.Time
	lastCheckAt         time.Time
}

// newHealthTracker создаёт пустой трекер.
func newHealthTracker() *healthTracker {
	return &healthTracker{
		entries: make(map[string]*healthEntry),
		now:     time.Now,
	}
}

// record регистрирует исход одного вызова.
func (t *healthTracker) record(ref string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[ref]
	if entry == nil {
		entry = &healthEntry{}
		t.entries[ref] = entry
	}

	now := t.now()
	entry.lastCheckAt = now

	latencyMs := float64(latency.Milliseconds())
	if entry.avgLatencyMs == 0 {
		entry.avgLatencyMs = latencyMs
	} else {
		entry.avgLatencyMs = latencyAlpha*latencyMs + (1-latencyAlpha)*entry.avgLatencyMs
	}

	entry.window = append(entry.window, success)
	if len(entry.window) > healthWindowSize {
		entry.window = entry.window[1:]
	}

	if success {
		entry.consecutiveFailures = 0
	} else {
		entry.consecutiveFailures++
		entry.lastFailureAt = &now
	}
}

// snapshot возвращает снимок здоровья провайдера.
// breakerState нужен для вычисления операционного статуса.
func (t *healthTracker) snapshot(ref string, breakerState BreakerState) domain.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	health := domain.ProviderHealth{
		ProviderRef: ref,
		Status:      domain.ProviderUp,
		SuccessRate: 1,
	}

	entry := t.entries[ref]
	if entry != nil {
		health.ConsecutiveFailures = entry.consecutiveFailures
		health.AvgLatencyMs = entry.avgLatencyMs
		health.LastFailureAt = entry.lastFailureAt
		health.LastCheckAt = entry.lastCheckAt
		health.SuccessRate = successRate(entry.window)
	}

	switch {
	case breakerState == BreakerOpen:
		health.Status = domain.ProviderDown
	case health.SuccessRate < degradedThreshold:
		health.Status = domain.ProviderDegraded
	}

	return health
}

// successRate считает долю успехов в окне. Пустое окно — 1.
func successRate(window []bool) float64 {
	if len(window) == 0 {
		return 1
	}
	ok := 0
	for _, success := range window {
		if success {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}
