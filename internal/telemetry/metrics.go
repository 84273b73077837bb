package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются через promauto в default-реестре;
// каждый бинарь отдаёт их на /metrics через promhttp.
var (
	// TasksTotal — количество tasks, достигших терминального статуса.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiygw_tasks_total",
		Help: "Tasks, достигшие терминального статуса, по статусу.",
	}, []string{"status"})

	// StepDuration — длительность выполнения шагов.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiygw_step_duration_seconds",
		Help:    "Длительность выполнения шага от RUNNING до терминала.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"node_type", "status"})

	// StepRetries — количество повторных попыток шагов.
	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiygw_step_retries_total",
		Help: "Повторные попытки выполнения шагов, по провайдеру.",
	}, []string{"provider"})

	// ProviderRequests — вызовы провайдеров по исходу.
	// Исходы: success, failure, short_circuit.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiygw_provider_requests_total",
		Help: "Вызовы провайдеров, по провайдеру и исходу.",
	}, []string{"provider", "outcome"})

	// breakerState — текущее состояние circuit breaker провайдера.
	// 0 = closed, 1 = half_open, 2 = open.
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aiygw_circuit_breaker_state",
		Help: "Состояние circuit breaker: 0 closed, 1 half_open, 2 open.",
	}, []string{"provider"})

	// QuotaOps — операции квотной саги.
	// Операции: reserve, confirm, cancel, insufficient.
	QuotaOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiygw_quota_operations_total",
		Help: "Операции квотной саги, по типу.",
	}, []string{"op"})
)

// SetBreakerState выставляет gauge состояния breaker'а провайдера.
func SetBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(provider).Set(v)
}
