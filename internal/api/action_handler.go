package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shaiso/flowdeploy/internal/deploy"
)

// StartFlow запускает development run.
// POST /api/v1/flows/{id}/start
func (h *Handler) StartFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	result, err := h.deployer.DeployDevelopment(r.Context(), flow, deploy.DeployOptions{TestRunID: req.TestRunID})
	if HandleDeployError(w, h.logger, err) {
		return
	}
	Action(w, result)
}

// StopFlow останавливает development run.
// POST /api/v1/flows/{id}/stop
func (h *Handler) StopFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	result, err := h.deployer.Stop(r.Context(), flow)
	if HandleDeployError(w, h.logger, err) {
		return
	}
	Action(w, result)
}

// DeployFlow запускает production run (lock-протокол).
// POST /api/v1/flows/{id}/deploy
func (h *Handler) DeployFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	result, err := h.deployer.DeployProduction(r.Context(), flow)
	if HandleDeployError(w, h.logger, err) {
		return
	}
	Action(w, result)
}

// UndeployFlow останавливает production run.
// POST /api/v1/flows/{id}/undeploy
func (h *Handler) UndeployFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.loadFlow(w, r)
	if !ok {
		return
	}

	result, err := h.deployer.UndeployProduction(r.Context(), flow)
	if HandleDeployError(w, h.logger, err) {
		return
	}
	Action(w, result)
}
