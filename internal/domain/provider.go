package domain

import "time"

// ProviderStatus — операционный статус провайдера.
type ProviderStatus string

const (
	// ProviderUp — провайдер отвечает нормально.
	ProviderUp ProviderStatus = "UP"

	// ProviderDegraded — провайдер отвечает, но success rate ниже порога.
	ProviderDegraded ProviderStatus = "DEGRADED"

	// ProviderDown — circuit breaker открыт, запросы не проходят.
	ProviderDown ProviderStatus = "DOWN"
)

// ProviderHealth — снимок здоровья провайдера.
//
// Мутируется только circuit breaker'ом и health-трекером реестра;
// читается реестром для маршрутизации и отдаётся в health-эндпоинты.
type ProviderHealth struct {
	// ProviderRef — ссылка на провайдера (primary key).
	ProviderRef string `json:"provider_ref"`

	// Status — текущий операционный статус.
	Status ProviderStatus `json:"status"`

	// ConsecutiveFailures — подряд идущие неудачи.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// AvgLatencyMs — скользящая средняя латентность вызова.
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	// SuccessRate — доля успешных вызовов в скользящем окне (0..1).
	SuccessRate float64 `json:"success_rate"`

	// LastFailureAt — время последней неудачи.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	// LastCheckAt — время последнего обновления снимка.
	LastCheckAt time.Time `json:"last_check_at"`
}
