package api

import (
	"net/http"
	"strconv"
)

// ListRuns возвращает последние runs flow (новые первыми).
// GET /api/v1/flows/{id}/runs?limit=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	runs, err := h.runs.ListByFlow(r.Context(), flow.ID, parseLimit(r, 50))
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// ListLogs возвращает журнал flow (новые записи первыми).
// GET /api/v1/flows/{id}/logs?limit=...
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	logs, err := h.logs.ListByFlow(r.Context(), flow.ID, parseLimit(r, 100))
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]LogResponse, len(logs))
	for i, entry := range logs {
		result[i] = LogFromDomain(entry)
	}

	List(w, result, len(result))
}

// parseLimit парсит ?limit=; невалидное или неположительное значение — default.
func parseLimit(r *http.Request, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultVal
	}
	return min(n, 500)
}
