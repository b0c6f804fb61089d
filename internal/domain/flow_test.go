package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Slugify Tests ---

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Daily Weather", "daily-weather"},
		{"collapses separators", "Hello,   World!!", "hello-world"},
		{"trims edges", "  --My Flow--  ", "my-flow"},
		{"digits kept", "Report 2024 v2", "report-2024-v2"},
		{"non-ascii dropped", "Погода daily", "daily"},
		{"empty falls back", "", "flow"},
		{"only symbols falls back", "!!!", "flow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

// --- GraphHash Tests ---

func TestGraphHash_IgnoresFormatting(t *testing.T) {
	pretty := json.RawMessage("{\n  \"actors\": [\"A\", \"B\"]\n}")
	compact := json.RawMessage(`{"actors":["A","B"]}`)

	assert.Equal(t,
		GraphHash("print('hi')\n", pretty),
		GraphHash("  print('hi')", compact),
	)
}

func TestGraphHash_EmptyGraphEqualsEmptyObject(t *testing.T) {
	assert.Equal(t, GraphHash("x", nil), GraphHash("x", json.RawMessage(`{}`)))
	assert.Equal(t, GraphHash("x", nil), GraphHash("x", json.RawMessage(`null`)))
}

func TestGraphHash_DetectsChanges(t *testing.T) {
	base := GraphHash("code", json.RawMessage(`{"actors":["A"]}`))

	assert.NotEqual(t, base, GraphHash("code2", json.RawMessage(`{"actors":["A"]}`)))
	assert.NotEqual(t, base, GraphHash("code", json.RawMessage(`{"actors":["B"]}`)))
	assert.Len(t, base, 64)
}

// --- Flow / Run Tests ---

func TestNewFlow(t *testing.T) {
	flow := NewFlow("My Flow", "print(1)", nil)

	assert.Equal(t, FlowStatusDraft, flow.Status)
	assert.Equal(t, "my-flow", flow.Slug)
	assert.Equal(t, flow.GraphHash(), GraphHash("print(1)", nil))
}

func TestNewRun(t *testing.T) {
	flow := NewFlow("f", "", nil)
	run := NewRun(flow.ID, RunTypeProduction, RunStatusLocking)

	require.True(t, run.Active)
	assert.True(t, run.IsProduction())
	assert.True(t, run.IsActiveProduction())
	assert.Len(t, run.ShortID(), 8)

	run.Active = false
	assert.False(t, run.IsActiveProduction())

	dev := NewRun(flow.ID, RunTypeDevelopment, RunStatusRunning)
	assert.False(t, dev.IsActiveProduction())
}

func TestStatuses(t *testing.T) {
	assert.True(t, FlowStatusRunning.IsValid())
	assert.False(t, FlowStatus("paused").IsValid())

	assert.True(t, RunStatusLockFailed.IsTerminal())
	assert.True(t, RunStatusStopped.IsTerminal())
	assert.False(t, RunStatusReady.IsTerminal())

	assert.True(t, RunTypeDevelopment.IsValid())
	assert.False(t, RunType("staging").IsValid())
}

// --- PendingCommand Tests ---

func TestPendingCommand_Redeliver(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := &PendingCommand{
		ID:        uuid.New(),
		FlowID:    uuid.New(),
		RunID:     uuid.New(),
		Action:    "stop_container",
		Payload:   map[string]any{"run_type": "development"},
		CreatedAt: created,
		ExpiresAt: created.Add(5 * time.Second),
	}
	assert.Empty(t, cmd.ContainerID())

	now := created.Add(time.Minute)
	retry := cmd.Redeliver("c1", now, 5*time.Second)

	assert.NotEqual(t, cmd.ID, retry.ID)
	assert.Equal(t, cmd.RunID, retry.RunID)
	assert.Equal(t, cmd.Action, retry.Action)
	assert.Equal(t, "c1", retry.ContainerID())
	assert.Equal(t, "development", retry.Payload["run_type"])
	assert.Equal(t, now.Add(5*time.Second), retry.ExpiresAt)

	// Исходная команда не меняется
	assert.NotContains(t, cmd.Payload, PayloadContainerID)
}
