package domain

import (
	"time"

	"github.com/google/uuid"
)

// FlowRun — одна попытка развернуть flow.
//
// Run создаётся оркестратором при каждом deploy. Для пары (flow, type)
// не больше одного run с Active=true. Флаг Active меняет только оркестратор,
// обработчик событий его никогда не выставляет.
type FlowRun struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// FlowID — ссылка на flow.
	FlowID uuid.UUID `json:"flow_id"`

	// Type — development или production.
	Type RunType `json:"type"`

	// Active — run представляет текущий deploy своего типа.
	Active bool `json:"active"`

	// Status — статус run.
	Status RunStatus `json:"status"`

	// ContainerID — id контейнера в runtime (приходит событием container_created).
	ContainerID string `json:"container_id,omitempty"`

	// Lock — непрозрачный lock зависимостей (только production).
	Lock string `json:"lock,omitempty"`

	// Actors, Events — возможности workflow, о которых сообщает runtime.
	Actors []string `json:"actors,omitempty"`
	Events []string `json:"events,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Meta — последний payload события (для диагностики).
	Meta map[string]any `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRun создаёт активный run заданного типа.
func NewRun(flowID uuid.UUID, runType RunType, status RunStatus) *FlowRun {
	return &FlowRun{
		ID:        uuid.New(),
		FlowID:    flowID,
		Type:      runType,
		Active:    true,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

// IsActiveProduction — только события такого run влияют на статус flow.
func (r *FlowRun) IsActiveProduction() bool {
	return r.Active && r.Type == RunTypeProduction
}

// IsProduction возвращает true для production run.
func (r *FlowRun) IsProduction() bool {
	return r.Type == RunTypeProduction
}

// ShortID — первые 8 символов id (для имён контейнеров).
func (r *FlowRun) ShortID() string {
	return r.ID.String()[:8]
}
