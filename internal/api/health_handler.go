package api

import (
	"net/http"
)

// ListProviderHealth возвращает health-снимки всех провайдеров.
// GET /api/v1/health/providers
//
// Снимки пишет движок; API-процесс только читает их из БД.
func (h *Handler) ListProviderHealth(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.health.ListHealth(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]ProviderHealthResponse, len(snapshots))
	for i, s := range snapshots {
		result[i] = ProviderHealthFromDomain(s)
	}

	List(w, result, len(result))
}
