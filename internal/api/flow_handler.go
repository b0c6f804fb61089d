package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/domain"
)

// ListFlows возвращает список flows.
// GET /api/v1/flows
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowResponse, len(flows))
	for i, f := range flows {
		result[i] = FlowFromDomain(f)
	}

	List(w, result, len(result))
}

// CreateFlow создаёт новый flow в статусе draft.
// POST /api/v1/flows
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req CreateFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		BadRequest(w, "name is required")
		return
	}

	flow := domain.NewFlow(name, req.Code, req.Graph)
	flow.Image = req.Image
	flow.Entrypoint = req.Entrypoint

	if HandleRepoError(w, h.logger, h.flows.Create(r.Context(), flow), "") {
		return
	}

	h.logger.Info("flow created", "flow_id", flow.ID, "slug", flow.Slug)
	Created(w, FlowFromDomain(*flow))
}

// GetFlow возвращает flow по ID.
// GET /api/v1/flows/{id}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	Success(w, FlowFromDomain(*flow))
}

// UpdateFlow обновляет name, code, graph, image, entrypoint.
// PUT /api/v1/flows/{id}
func (h *Handler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	var req UpdateFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			BadRequest(w, "name must not be empty")
			return
		}
		flow.Name = name
	}
	if req.Code != nil {
		flow.Code = *req.Code
	}
	if req.Graph != nil {
		flow.Graph = req.Graph
	}
	if req.Image != nil {
		flow.Image = *req.Image
	}
	if req.Entrypoint != nil {
		flow.Entrypoint = *req.Entrypoint
	}
	flow.UpdatedAt = time.Now()

	if HandleRepoError(w, h.logger, h.flows.Update(r.Context(), flow), "flow not found") {
		return
	}

	Success(w, FlowFromDomain(*flow))
}

// DeleteFlow останавливает активные runs и удаляет flow.
// DELETE /api/v1/flows/{id}
//
// Если между остановкой и удалением успел появиться новый run,
// репозиторий вернёт ErrInvalidState (409).
func (h *Handler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	h.deployer.Delete(r.Context(), flow)

	if HandleRepoError(w, h.logger, h.flows.Delete(r.Context(), flow.ID), "flow not found") {
		return
	}

	h.logger.Info("flow deleted", "flow_id", flow.ID)
	NoContent(w)
}

// loadFlow читает flow по {id} из пути. При ошибке ответ уже отправлен.
func (h *Handler) loadFlow(w http.ResponseWriter, r *http.Request) (*domain.Flow, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid flow id")
		return nil, false
	}

	flow, err := h.flows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return nil, false
	}
	return flow, true
}
