package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/deploy"
	"github.com/shaiso/flowdeploy/internal/domain"
)

// Flow DTOs

// CreateFlowRequest — запрос на создание flow.
type CreateFlowRequest struct {
	Name       string          `json:"name"`
	Code       string          `json:"code"`
	Graph      json.RawMessage `json:"graph,omitempty"`
	Image      string          `json:"image,omitempty"`
	Entrypoint string          `json:"entrypoint,omitempty"`
}

// UpdateFlowRequest — запрос на обновление flow. Slug не меняется.
type UpdateFlowRequest struct {
	Name       *string         `json:"name,omitempty"`
	Code       *string         `json:"code,omitempty"`
	Graph      json.RawMessage `json:"graph,omitempty"`
	Image      *string         `json:"image,omitempty"`
	Entrypoint *string         `json:"entrypoint,omitempty"`
}

// FlowResponse — ответ с flow.
type FlowResponse struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Slug           string          `json:"slug"`
	Code           string          `json:"code"`
	Graph          json.RawMessage `json:"graph,omitempty"`
	GraphHash      string          `json:"graph_hash"`
	Status         string          `json:"status"`
	ContainerID    string          `json:"container_id,omitempty"`
	Image          string          `json:"image,omitempty"`
	Entrypoint     string          `json:"entrypoint,omitempty"`
	LastStartedAt  *time.Time      `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time      `json:"last_finished_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FlowFromDomain конвертирует domain.Flow в FlowResponse.
func FlowFromDomain(f domain.Flow) FlowResponse {
	return FlowResponse{
		ID:             f.ID,
		Name:           f.Name,
		Slug:           f.Slug,
		Code:           f.Code,
		Graph:          f.Graph,
		GraphHash:      f.GraphHash(),
		Status:         string(f.Status),
		ContainerID:    f.ContainerID,
		Image:          f.Image,
		Entrypoint:     f.Entrypoint,
		LastStartedAt:  f.LastStartedAt,
		LastFinishedAt: f.LastFinishedAt,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

// Action DTOs

// StartRequest — параметры development deploy. Тело необязательно.
type StartRequest struct {
	TestRunID string `json:"test_run_id,omitempty"`
}

// ActionResponse — итог действия над flow.
type ActionResponse struct {
	OK            bool   `json:"ok"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Pending       bool   `json:"pending,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ActionFromResult конвертирует deploy.Result в ActionResponse.
func ActionFromResult(r deploy.Result) ActionResponse {
	return ActionResponse{
		OK:            r.OK,
		RunID:         r.RunID,
		CorrelationID: r.CorrelationID,
		Pending:       r.Pending,
		Message:       r.Message,
	}
}

// Run DTOs

// RunResponse — ответ с run.
type RunResponse struct {
	ID          uuid.UUID      `json:"id"`
	FlowID      uuid.UUID      `json:"flow_id"`
	Type        string         `json:"type"`
	Active      bool           `json:"active"`
	Status      string         `json:"status"`
	ContainerID string         `json:"container_id,omitempty"`
	Lock        string         `json:"lock,omitempty"`
	Actors      []string       `json:"actors,omitempty"`
	Events      []string       `json:"events,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RunFromDomain конвертирует domain.FlowRun в RunResponse.
func RunFromDomain(r domain.FlowRun) RunResponse {
	return RunResponse{
		ID:          r.ID,
		FlowID:      r.FlowID,
		Type:        string(r.Type),
		Active:      r.Active,
		Status:      string(r.Status),
		ContainerID: r.ContainerID,
		Lock:        r.Lock,
		Actors:      r.Actors,
		Events:      r.Events,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Meta:        r.Meta,
		CreatedAt:   r.CreatedAt,
	}
}

// Log DTOs

// LogResponse — запись журнала flow.
type LogResponse struct {
	ID        uuid.UUID      `json:"id"`
	FlowID    uuid.UUID      `json:"flow_id"`
	RunID     *uuid.UUID     `json:"flow_run_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogFromDomain конвертирует domain.FlowLog в LogResponse.
func LogFromDomain(l domain.FlowLog) LogResponse {
	return LogResponse{
		ID:        l.ID,
		FlowID:    l.FlowID,
		RunID:     l.RunID,
		Level:     string(l.Level),
		Message:   l.Message,
		Context:   l.Context,
		CreatedAt: l.CreatedAt,
	}
}
