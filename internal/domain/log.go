package domain

import (
	"time"

	"github.com/google/uuid"
)

// FlowLog — неизменяемая запись аудита.
//
// Создаётся обработчиком событий (по одной на событие) и планировщиком
// при истечении отложенной команды. Никогда не изменяется и не удаляется.
type FlowLog struct {
	ID        uuid.UUID      `json:"id"`
	FlowID    uuid.UUID      `json:"flow_id"`
	RunID     *uuid.UUID     `json:"flow_run_id,omitempty"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewFlowLog создаёт запись лога.
func NewFlowLog(flowID uuid.UUID, runID *uuid.UUID, level LogLevel, message string, ctx map[string]any) *FlowLog {
	return &FlowLog{
		ID:        uuid.New(),
		FlowID:    flowID,
		RunID:     runID,
		Level:     level,
		Message:   message,
		Context:   ctx,
		CreatedAt: time.Now(),
	}
}

// PendingCommand — команда, ожидающая привязки контейнера к run.
//
// Создаётся, когда stop запрошен раньше, чем пришло container_created.
// Разбирается обработчиком при container_created или истекает по ExpiresAt.
type PendingCommand struct {
	ID        uuid.UUID      `json:"id"`
	FlowID    uuid.UUID      `json:"flow_id"`
	RunID     uuid.UUID      `json:"flow_run_id"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PayloadContainerID — ключ payload с уже известным container_id.
// Есть у команды, которую не удалось доставить в брокер: её повторяет планировщик.
const PayloadContainerID = "container_id"

// ContainerID возвращает container_id из payload или пустую строку.
func (c *PendingCommand) ContainerID() string {
	id, _ := c.Payload[PayloadContainerID].(string)
	return id
}

// Redeliver создаёт копию команды для повторной отправки на containerID
// со сроком now + wait.
func (c *PendingCommand) Redeliver(containerID string, now time.Time, wait time.Duration) *PendingCommand {
	payload := make(map[string]any, len(c.Payload)+1)
	for k, v := range c.Payload {
		payload[k] = v
	}
	payload[PayloadContainerID] = containerID

	return &PendingCommand{
		ID:        uuid.New(),
		FlowID:    c.FlowID,
		RunID:     c.RunID,
		Action:    c.Action,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(wait),
	}
}
