package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "flow-manager.events", cfg.Exchange)
	assert.Equal(t, "flow-manager.commands", cfg.CommandQueue)
	assert.Equal(t, "flowdeploy.events", cfg.EventQueue)
	assert.Equal(t, 5*time.Second, cfg.StopWait)
	assert.Equal(t, "8080", cfg.APIPort)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLOWDEPLOY_EXCHANGE", "custom.exchange")
	t.Setenv("FLOWDEPLOY_STOP_WAIT", "750ms")
	t.Setenv("API_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "custom.exchange", cfg.Exchange)
	assert.Equal(t, 750*time.Millisecond, cfg.StopWait)
	assert.Equal(t, "9090", cfg.APIPort)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLOWDEPLOY_EXCHANGE")
	assert.Contains(t, err.Error(), "FLOWDEPLOY_STOP_WAIT")
}

func TestTopology(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLOWDEPLOY_EVENT_QUEUE", "custom.events")

	cfg, err := Load()
	require.NoError(t, err)

	topo := cfg.Topology()
	assert.Equal(t, "flow-manager.events", topo.Exchange)
	assert.Equal(t, "flow-manager.commands", topo.CommandQueue)
	assert.Equal(t, "custom.events", topo.EventQueue)
	assert.Equal(t, "flow-manager.responses", topo.ResponseQueue)
	assert.Equal(t, "flowdeploy.dlx", topo.DeadLetterExchange)
	assert.Equal(t, "flowdeploy.events.dlq", topo.DeadLetterQueue)
}
