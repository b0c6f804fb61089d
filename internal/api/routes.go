package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		RequestID(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Flows
	mux.Handle("GET /api/v1/flows", chain(http.HandlerFunc(h.ListFlows)))
	mux.Handle("POST /api/v1/flows", chain(http.HandlerFunc(h.CreateFlow)))
	mux.Handle("GET /api/v1/flows/{id}", chain(http.HandlerFunc(h.GetFlow)))
	mux.Handle("PUT /api/v1/flows/{id}", chain(http.HandlerFunc(h.UpdateFlow)))
	mux.Handle("DELETE /api/v1/flows/{id}", chain(http.HandlerFunc(h.DeleteFlow)))

	// Actions
	mux.Handle("POST /api/v1/flows/{id}/start", chain(http.HandlerFunc(h.StartFlow)))
	mux.Handle("POST /api/v1/flows/{id}/stop", chain(http.HandlerFunc(h.StopFlow)))
	mux.Handle("POST /api/v1/flows/{id}/deploy", chain(http.HandlerFunc(h.DeployFlow)))
	mux.Handle("POST /api/v1/flows/{id}/undeploy", chain(http.HandlerFunc(h.UndeployFlow)))

	// Runs и журнал
	mux.Handle("GET /api/v1/flows/{id}/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/flows/{id}/logs", chain(http.HandlerFunc(h.ListLogs)))
}
