package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flow — определение рабочего процесса.
//
// Flow хранит код и граф, которые разворачиваются в runtime
// через FlowRun. Статус flow отражает только активный production run.
type Flow struct {
	// ID — уникальный идентификатор flow.
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name"`

	// Slug — уникальный идентификатор для URL, вычисляется из Name
	// при создании и больше не меняется.
	Slug string `json:"slug"`

	// Code — исходный код workflow (entry-point файл).
	Code string `json:"code"`

	// Graph — описание графа (actors/events). Для оркестратора непрозрачно.
	Graph json.RawMessage `json:"graph,omitempty"`

	// Status — статус активного production deploy.
	Status FlowStatus `json:"status"`

	// ContainerID — legacy-ссылка на контейнер. Актуальный id хранится в FlowRun.
	ContainerID string `json:"container_id,omitempty"`

	// Image, Entrypoint — подсказки для runtime, передаются как есть.
	Image      string `json:"image,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty"`

	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`

	// ArchivedAt — soft-delete.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFlow создаёт flow в статусе draft.
func NewFlow(name, code string, graph json.RawMessage) *Flow {
	now := time.Now()
	return &Flow{
		ID:        uuid.New(),
		Name:      name,
		Slug:      Slugify(name),
		Code:      code,
		Graph:     graph,
		Status:    FlowStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GraphHash возвращает hash кода и графа.
// Используется как label контейнера для обнаружения изменений.
func (f *Flow) GraphHash() string {
	return GraphHash(f.Code, f.Graph)
}

// GraphHash вычисляет sha256(trim(code) + "::" + compact(graph)).
// Пустой граф считается "{}".
func GraphHash(code string, graph json.RawMessage) string {
	encoded := []byte("{}")
	if len(bytes.TrimSpace(graph)) > 0 && !bytes.Equal(bytes.TrimSpace(graph), []byte("null")) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, graph); err == nil {
			encoded = buf.Bytes()
		}
	}

	payload := strings.TrimSpace(code) + "::" + string(encoded)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Slugify строит slug из имени: латиница в нижнем регистре и цифры,
// остальные символы схлопываются в "-".
func Slugify(name string) string {
	var b strings.Builder
	dash := false

	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}

	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "flow"
	}
	return slug
}
