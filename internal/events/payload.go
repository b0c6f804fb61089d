package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Имена событий runtime.
const (
	EventContainerCreated       = "container_created"
	EventLockGenerated          = "lock_generated"
	EventLockFailed             = "lock_failed"
	EventContainerCrashed       = "container_crashed"
	EventContainerHealthWarning = "container_health_warning"
	EventResourceAlert          = "resource_alert"
)

// Поля payload.
const (
	fieldFlowRunID   = "flow_run_id"
	fieldRunID       = "run_id"
	fieldFlowID      = "flow_id"
	fieldContainerID = "container_id"
	fieldNewState    = "new_state"
	fieldStatus      = "status"
	fieldLock        = "lock"
	fieldActors      = "actors"
	fieldEvents      = "events"
	fieldMessage     = "message"
)

// stringField возвращает первое непустое строковое поле из keys.
func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// uuidField возвращает первое поле из keys, которое парсится как UUID.
// Невалидные значения считаются отсутствующими.
func uuidField(payload map[string]any, keys ...string) (uuid.UUID, bool) {
	for _, key := range keys {
		s, ok := payload[key].(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

// stringsField возвращает массив строк из поля key.
// ok=false, если поля нет или это не массив.
func stringsField(payload map[string]any, key string) ([]string, bool) {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			values = append(values, v)
		case nil:
		default:
			values = append(values, fmt.Sprint(v))
		}
	}
	return values, true
}

// stateField возвращает новое состояние контейнера: new_state, затем status.
func stateField(payload map[string]any) string {
	return strings.ToLower(stringField(payload, fieldNewState, fieldStatus))
}

// lockField возвращает lock как строку. Объект сериализуется в JSON.
func lockField(payload map[string]any) string {
	switch v := payload[fieldLock].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
