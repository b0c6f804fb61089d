package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowdeploy/internal/domain"
)

func TestArtifacts_Layout(t *testing.T) {
	root := t.TempDir()
	arts := NewArtifacts(root)
	flow := domain.NewFlow("f", "print(1)", nil)
	run := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusLocked)

	want := filepath.Join(root, flow.ID.String(), "production", run.ID.String(), "main.py")
	assert.Equal(t, want, arts.CodePath(run))
	assert.Equal(t, filepath.Join(filepath.Dir(want), "uv.lock"), arts.LockPath(run))
}

func TestArtifacts_WriteIsIdempotent(t *testing.T) {
	arts := NewArtifacts(t.TempDir())
	flow := domain.NewFlow("f", "print(1)", nil)
	run := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusLocked)
	run.Lock = "deps==1.0"

	for range 2 {
		path, err := arts.Write(flow, run)
		require.NoError(t, err)
		assert.Equal(t, arts.CodePath(run), path)
	}

	code, err := os.ReadFile(arts.CodePath(run))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(code))

	lock, err := os.ReadFile(arts.LockPath(run))
	require.NoError(t, err)
	assert.Equal(t, "deps==1.0", string(lock))

	// Временных файлов не остаётся
	entries, err := os.ReadDir(filepath.Dir(arts.CodePath(run)))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestArtifacts_NoLockFile(t *testing.T) {
	arts := NewArtifacts(t.TempDir())
	flow := domain.NewFlow("f", "x", nil)

	dev := domain.NewRun(flow.ID, domain.RunTypeDevelopment, domain.RunStatusRunning)
	dev.Lock = "ignored"
	_, err := arts.Write(flow, dev)
	require.NoError(t, err)
	assert.NoFileExists(t, arts.LockPath(dev))

	prod := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusLocked)
	_, err = arts.Write(flow, prod)
	require.NoError(t, err)
	assert.NoFileExists(t, arts.LockPath(prod))
}

func TestArtifacts_Remove(t *testing.T) {
	arts := NewArtifacts(t.TempDir())
	flow := domain.NewFlow("f", "x", nil)
	run := domain.NewRun(flow.ID, domain.RunTypeDevelopment, domain.RunStatusRunning)

	_, err := arts.Write(flow, run)
	require.NoError(t, err)
	require.NoError(t, arts.Remove(run))
	assert.NoDirExists(t, arts.Dir(run.FlowID, run.Type, run.ID))
}

func TestContainerName(t *testing.T) {
	flow := domain.NewFlow("My Flow", "", nil)
	run := domain.NewRun(flow.ID, domain.RunTypeDevelopment, domain.RunStatusRunning)

	assert.Equal(t, "flow-my-flow-"+run.ShortID(), ContainerName(flow, run))

	flow.Slug = ""
	assert.Equal(t, "flow-my-flow-"+run.ShortID(), ContainerName(flow, run))
}

func TestContainerLabels_WithoutTestRun(t *testing.T) {
	flow := domain.NewFlow("f", "", nil)
	run := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusReady)

	labels := ContainerLabels(flow, run, "")
	assert.NotContains(t, labels, LabelTestRunID)
	assert.Equal(t, "production", labels[LabelRunType])
}
