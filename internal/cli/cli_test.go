package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowdeploy/internal/api"
	"github.com/shaiso/flowdeploy/internal/deploy"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/testutil"
)

type fixture struct {
	store  *testutil.Store
	pub    *testutil.Publisher
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewStore()
	pub := testutil.NewPublisher()
	orch := deploy.New(deploy.Config{
		Flows:     store.Flows(),
		Runs:      store.Runs(),
		Pending:   store.Pending(),
		Publisher: pub,
		Artifacts: deploy.NewArtifacts(t.TempDir()),
		StopWait:  time.Second,
	})

	mux := http.NewServeMux()
	api.NewHandler(api.Config{
		Flows:    store.Flows(),
		Runs:     store.Runs(),
		Logs:     store.Logs(),
		Deployer: orch,
	}).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{store: store, pub: pub, client: NewClient(srv.URL)}
}

// run выполняет команду и возвращает stdout и stderr.
func (f *fixture) run(t *testing.T, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	clientFn := func() *Client { return f.client }
	outputFn := func() *Output { return NewOutputTo(jsonMode, &stdout, &stderr) }

	root := &cobra.Command{Use: "flowdeploy", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewFlowCmd(clientFn, outputFn),
		NewRunCmd(clientFn, outputFn),
		NewLogCmd(clientFn, outputFn),
	)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) createFlow(t *testing.T) FlowResponse {
	t.Helper()

	code := writeFile(t, "main.py", "print('hi')")
	graph := writeFile(t, "graph.json", `{"actors":["A"]}`)

	stdout, _, err := f.run(t, true, "flow", "create", "--name", "Daily Report", "--code", code, "--graph", graph)
	require.NoError(t, err)

	var flow FlowResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &flow))
	return flow
}

// --- Flow Command Tests ---

func TestFlowCreateAndShow(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t)

	assert.Equal(t, "daily-report", flow.Slug)
	assert.Equal(t, "print('hi')", flow.Code)
	assert.Equal(t, "draft", flow.Status)

	stdout, _, err := f.run(t, false, "flow", "show", flow.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "daily-report")
	assert.Contains(t, stdout, "GRAPH_HASH")
}

func TestFlowCreate_InvalidGraph(t *testing.T) {
	f := newFixture(t)
	graph := writeFile(t, "graph.json", "{not json")

	_, _, err := f.run(t, false, "flow", "create", "--name", "x", "--graph", graph)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestFlowUpdate(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t)

	stdout, stderr, err := f.run(t, true, "flow", "update", flow.ID, "--name", "Renamed")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Flow updated")

	var updated FlowResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &updated))
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, flow.Slug, updated.Slug)
	assert.Equal(t, flow.Code, updated.Code)
}

func TestFlowList(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t)
	f.createFlow(t)

	stdout, _, err := f.run(t, false, "flow", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "daily-report-2")
}

func TestFlowShow_NotFound(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.run(t, false, "flow", "show", "00000000-0000-0000-0000-000000000001")
	assert.ErrorContains(t, err, "NOT_FOUND")
}

// --- Action Command Tests ---

func TestActions(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t)

	_, stderr, err := f.run(t, false, "flow", "start", flow.ID, "--test-run-id", "e2e-7")
	require.NoError(t, err)
	assert.Contains(t, stderr, "start ok")

	creates := f.pub.ByAction(mq.ActionCreateContainer)
	require.Len(t, creates, 1)
	assert.Equal(t, "e2e-7", creates[0].Payload.(mq.CreateContainerPayload).TestRunID)

	_, stderr, err = f.run(t, false, "flow", "stop", flow.ID)
	require.NoError(t, err)
	assert.Contains(t, stderr, "waiting for container registration")

	_, _, err = f.run(t, false, "flow", "deploy", flow.ID)
	require.NoError(t, err)
	assert.Len(t, f.pub.ByAction(mq.ActionGenerateLock), 1)

	_, stderr, err = f.run(t, false, "flow", "undeploy", flow.ID)
	require.NoError(t, err)
	assert.Contains(t, stderr, "no container to stop")
}

func TestActions_BrokerDown(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t)
	f.pub.SetFailing(true)

	_, _, err := f.run(t, false, "flow", "deploy", flow.ID)
	assert.ErrorContains(t, err, "COMMAND_NOT_DELIVERED")
}

// --- Run / Log Command Tests ---

func TestRunAndLogList(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t)

	_, _, err := f.run(t, false, "flow", "start", flow.ID)
	require.NoError(t, err)

	stdout, _, err := f.run(t, true, "run", "list", flow.ID)
	require.NoError(t, err)

	var runs []RunResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "development", runs[0].Type)
	assert.True(t, runs[0].Active)

	stdout, _, err = f.run(t, false, "log", "list", flow.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "TIME"))
}
