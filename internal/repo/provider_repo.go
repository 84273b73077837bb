package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// ProviderRepo — персистенция health-снимков провайдеров.
//
// Движок периодически сбрасывает снимки сюда, чтобы API-процесс мог
// отдавать /health/providers без разделяемой памяти с движком.
type ProviderRepo struct {
	pool *pgxpool.Pool
}

// NewProviderRepo создаёт новый ProviderRepo.
func NewProviderRepo(pool *pgxpool.Pool) *ProviderRepo {
	return &ProviderRepo{pool: pool}
}

// UpsertHealth сохраняет снимок здоровья провайдера.
func (r *ProviderRepo) UpsertHealth(ctx context.Context, h domain.ProviderHealth) error {
	query := `
		INSERT INTO provider_health (provider_ref, status, consecutive_failures, avg_latency_ms, success_rate, last_failure_at, last_check_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_ref) DO UPDATE
		SET status = EXCLUDED.status,
		    consecutive_failures = EXCLUDED.consecutive_failures,
		    avg_latency_ms = EXCLUDED.avg_latency_ms,
		    success_rate = EXCLUDED.success_rate,
		    last_failure_at = EXCLUDED.last_failure_at,
		    last_check_at = EXCLUDED.last_check_at
	`
	_, err := r.pool.Exec(ctx, query,
		h.ProviderRef,
		h.Status,
		h.ConsecutiveFailures,
		h.AvgLatencyMs,
		h.SuccessRate,
		h.LastFailureAt,
		h.LastCheckAt,
	)
	if err != nil {
		return fmt.Errorf("upsert provider health: %w", err)
	}
	return nil
}

// ListHealth возвращает снимки здоровья всех провайдеров.
func (r *ProviderRepo) ListHealth(ctx context.Context) ([]domain.ProviderHealth, error) {
	query := `
		SELECT provider_ref, status, consecutive_failures, avg_latency_ms, success_rate, last_failure_at, last_check_at
		FROM provider_health
		ORDER BY provider_ref ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderHealth
	for rows.Next() {
		var h domain.ProviderHealth
		err := rows.Scan(
			&h.ProviderRef,
			&h.Status,
			&h.ConsecutiveFailures,
			&h.AvgLatencyMs,
			&h.SuccessRate,
			&h.LastFailureAt,
			&h.LastCheckAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provider health: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
