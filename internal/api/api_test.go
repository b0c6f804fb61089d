package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowdeploy/internal/deploy"
	"github.com/shaiso/flowdeploy/internal/domain"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/testutil"
)

type fixture struct {
	store *testutil.Store
	pub   *testutil.Publisher
	mux   *http.ServeMux
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

	h := NewHandler(Config{
		Flows:    store.Flows(),
		Runs:     store.Runs(),
		Logs:     store.Logs(),
		Deployer: orch,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &fixture{store: store, pub: pub, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func (f *fixture) createFlow(t *testing.T, name string) FlowResponse {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/flows", CreateFlowRequest{
		Name:  name,
		Code:  "print('hi')",
		Graph: json.RawMessage(`{"actors":["A"]}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[FlowResponse](t, rec)
}

// --- Flow CRUD Tests ---

func TestCreateFlow(t *testing.T) {
	f := newFixture(t)

	first := f.createFlow(t, "Daily Report")
	second := f.createFlow(t, "Daily Report")

	assert.Equal(t, "daily-report", first.Slug)
	assert.Equal(t, "daily-report-2", second.Slug)
	assert.Equal(t, string(domain.FlowStatusDraft), first.Status)
	assert.Equal(t, domain.GraphHash("print('hi')", json.RawMessage(`{"actors":["A"]}`)), first.GraphHash)
}

func TestCreateFlow_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/flows", CreateFlowRequest{Name: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", bytes.NewBufferString("{broken"))
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFlow(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "f")

	rec := f.do(t, http.MethodGet, "/api/v1/flows/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[FlowResponse](t, rec).ID)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	rec = f.do(t, http.MethodGet, "/api/v1/flows/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/flows/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateFlow_KeepsSlug(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "Original")

	name := "Renamed"
	code := "print('v2')"
	rec := f.do(t, http.MethodPut, "/api/v1/flows/"+created.ID.String(), UpdateFlowRequest{Name: &name, Code: &code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decode[FlowResponse](t, rec)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "original", updated.Slug)
	assert.NotEqual(t, created.GraphHash, updated.GraphHash)

	stored := f.store.Flow(created.ID)
	assert.Equal(t, "print('v2')", stored.Code)
}

func TestListFlows(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t, "a")
	f.createFlow(t, "b")

	rec := f.do(t, http.MethodGet, "/api/v1/flows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]FlowResponse](t, rec), 2)
}

func TestDeleteFlow_StopsActiveRuns(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "f")

	rec := f.do(t, http.MethodPost, "/api/v1/flows/"+created.ID.String()+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/api/v1/flows/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Nil(t, f.store.Flow(created.ID))
}

func TestDeleteFlow_ActiveRunAppearsConflict(t *testing.T) {
	f := newFixture(t)
	flow := f.store.AddFlow(domain.NewFlow("f", "", nil))

	h := NewHandler(Config{
		Flows:    f.store.Flows(),
		Runs:     f.store.Runs(),
		Logs:     f.store.Logs(),
		Deployer: racingDeployer{store: f.store},
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/flows/"+flow.ID.String(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.NotNil(t, f.store.Flow(flow.ID))
}

// racingDeployer имитирует deploy, успевший между остановкой и удалением.
type racingDeployer struct {
	Deployer
	store *testutil.Store
}

func (d racingDeployer) Delete(ctx context.Context, flow *domain.Flow) deploy.Result {
	d.store.AddRun(domain.NewRun(flow.ID, domain.RunTypeDevelopment, domain.RunStatusRunning))
	return deploy.Result{OK: true}
}

// --- Action Tests ---

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "f")
	base := "/api/v1/flows/" + created.ID.String()

	rec := f.do(t, http.MethodPost, base+"/start", StartRequest{TestRunID: "e2e-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[ActionResponse](t, rec)
	assert.True(t, started.OK)
	assert.NotEmpty(t, started.RunID)

	creates := f.pub.ByAction(mq.ActionCreateContainer)
	require.Len(t, creates, 1)
	assert.Equal(t, "e2e-1", creates[0].Payload.(mq.CreateContainerPayload).TestRunID)

	rec = f.do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stopped := decode[ActionResponse](t, rec)
	assert.True(t, stopped.OK)
	assert.True(t, stopped.Pending)

	// Повторный stop — no-op
	rec = f.do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ActionResponse](t, rec).Pending)
}

func TestDeployAndUndeploy(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "f")
	base := "/api/v1/flows/" + created.ID.String()

	rec := f.do(t, http.MethodPost, base+"/deploy", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, f.pub.ByAction(mq.ActionGenerateLock), 1)
	assert.Equal(t, domain.FlowStatusDeploying, f.store.Flow(created.ID).Status)

	rec = f.do(t, http.MethodPost, base+"/undeploy", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, f.store.ActiveCount(created.ID, domain.RunTypeProduction))
}

func TestAction_BrokerDown(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "f")
	f.pub.SetFailing(true)

	rec := f.do(t, http.MethodPost, "/api/v1/flows/"+created.ID.String()+"/deploy", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrCodeNotDelivered))
	assert.Empty(t, f.store.RunsOf(created.ID))
}

func TestAction_UnknownFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/flows/"+uuid.NewString()+"/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Runs / Logs Tests ---

func TestListRunsAndLogs(t *testing.T) {
	f := newFixture(t)
	created := f.createFlow(t, "f")
	base := "/api/v1/flows/" + created.ID.String()

	for range 3 {
		rec := f.do(t, http.MethodPost, base+"/start", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, base+"/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]RunResponse](t, rec)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Active)
	assert.False(t, runs[1].Active)

	entry := domain.NewFlowLog(created.ID, nil, domain.LogLevelWarning, "resource_alert", nil)
	require.NoError(t, f.store.Logs().Append(context.Background(), entry))

	rec = f.do(t, http.MethodGet, base+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]LogResponse](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, "warning", logs[0].Level)
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=-1", 50},
		{"limit=abc", 50},
		{"limit=100000", 500},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		assert.Equal(t, tt.want, parseLimit(req, 50), tt.query)
	}
}
