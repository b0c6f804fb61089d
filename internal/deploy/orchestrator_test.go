package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/flowdeploy/internal/domain"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/repo"
	"github.com/shaiso/flowdeploy/internal/testutil"
)

type fixture struct {
	store *testutil.Store
	pub   *testutil.Publisher
	orch  *Orchestrator
	arts  *Artifacts
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: testutil.NewStore(),
		pub:   testutil.NewPublisher(),
		arts:  NewArtifacts(t.TempDir()),
		now:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.orch = New(Config{
		Flows:        f.store.Flows(),
		Runs:         f.store.Runs(),
		Pending:      f.store.Pending(),
		Publisher:    f.pub,
		Artifacts:    f.arts,
		DefaultImage: "runtime:test",
		StopWait:     5 * time.Second,
		Clock:        func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) flow(name string) *domain.Flow {
	flow := domain.NewFlow(name, "print('hello')", []byte(`{"actors":["A"]}`))
	flow.Entrypoint = "python main.py"
	return f.store.AddFlow(flow)
}

func mustRunID(t *testing.T, res Result) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(res.RunID)
	require.NoError(t, err)
	return id
}

// --- DeployDevelopment Tests ---

func TestDeployDevelopment(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("Daily Weather")

	res, err := f.orch.DeployDevelopment(context.Background(), flow, DeployOptions{TestRunID: "e2e-1"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.NotEmpty(t, res.CorrelationID)

	runID := mustRunID(t, res)
	run := f.store.Run(runID)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunTypeDevelopment, run.Type)
	assert.True(t, run.Active)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, f.now, *run.StartedAt)

	// Артефакты записаны до команды
	code, err := os.ReadFile(f.arts.CodePath(run))
	require.NoError(t, err)
	assert.Equal(t, flow.Code, string(code))

	cmds := f.pub.ByAction(mq.ActionCreateContainer)
	require.Len(t, cmds, 1)
	payload := cmds[0].Payload.(mq.CreateContainerPayload)
	assert.Equal(t, "runtime:test", payload.Image)
	assert.Equal(t, "flow-daily-weather-"+runID.String()[:8], payload.Name)
	assert.Equal(t, flow.GraphHash(), payload.GraphHash)
	assert.Equal(t, []string{"python", "main.py"}, payload.Command)
	assert.Equal(t, "e2e-1", payload.TestRunID)
	assert.Equal(t, map[string]string{
		LabelFlowID:    flow.ID.String(),
		LabelFlowRunID: runID.String(),
		LabelFlowName:  "Daily Weather",
		LabelGraphHash: flow.GraphHash(),
		LabelRunType:   "development",
		LabelTestRunID: "e2e-1",
	}, payload.Labels)
	assert.Equal(t, f.arts.CodePath(run), payload.Environment[EnvCodePath])

	// Flow статус не меняется от development deploy
	assert.Equal(t, domain.FlowStatusDraft, f.store.Flow(flow.ID).Status)
}

func TestDeployDevelopment_SupersedesPrevious(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	first, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	firstID := mustRunID(t, first)

	// Контейнер первого run уже известен
	cid := "c-first"
	require.NoError(t, f.store.Runs().ApplyUpdate(ctx, firstID, repo.RunUpdate{ContainerID: &cid}))

	second, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.ActiveCount(flow.ID, domain.RunTypeDevelopment))
	prev := f.store.Run(firstID)
	assert.False(t, prev.Active)
	assert.NotNil(t, prev.FinishedAt)
	assert.True(t, f.store.Run(mustRunID(t, second)).Active)

	stops := f.pub.ByAction(mq.ActionStopContainer)
	require.Len(t, stops, 1)
	assert.Equal(t, mq.StopContainerPayload{ContainerID: "c-first"}, stops[0].Payload)
}

func TestDeployDevelopment_SupersededStopQueuedForRetry(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	first, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	firstID := mustRunID(t, first)
	cid := "c-first"
	require.NoError(t, f.store.Runs().ApplyUpdate(ctx, firstID, repo.RunUpdate{ContainerID: &cid}))

	// create_container доходит, stop_container — нет
	f.pub.FailAction(mq.ActionStopContainer, true)

	second, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	require.True(t, second.OK)
	assert.False(t, f.store.Run(firstID).Active)
	assert.Empty(t, f.pub.ByAction(mq.ActionStopContainer))

	// Stop не потерян: он ждёт повторной отправки планировщиком
	pending := f.store.PendingOf(firstID)
	require.Len(t, pending, 1)
	assert.Equal(t, mq.ActionStopContainer, pending[0].Action)
	assert.Equal(t, "c-first", pending[0].ContainerID())
	assert.Equal(t, f.now.Add(5*time.Second), pending[0].ExpiresAt)
}

func TestDeployDevelopment_BrokerDown(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	f.pub.SetFailing(true)

	res, err := f.orch.DeployDevelopment(context.Background(), flow, DeployOptions{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Message)
	assert.Empty(t, res.RunID)

	assert.Empty(t, f.store.RunsOf(flow.ID))
	entries, _ := os.ReadDir(filepath.Join(f.arts.Root(), flow.ID.String(), "development"))
	assert.Empty(t, entries)
}

func TestDeployDevelopment_FlowMissing(t *testing.T) {
	f := newFixture(t)
	flow := domain.NewFlow("ghost", "", nil)

	_, err := f.orch.DeployDevelopment(context.Background(), flow, DeployOptions{})
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestDeployDevelopment_StoreFailure(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	boom := errors.New("db down")
	f.store.FailWith(boom)

	_, err := f.orch.Start(context.Background(), flow)
	assert.ErrorIs(t, err, boom)
}

// --- DeployProduction Tests ---

func TestDeployProduction(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	flow.Image = "custom:1"

	res, err := f.orch.DeployProduction(context.Background(), flow)
	require.NoError(t, err)
	require.True(t, res.OK)

	run := f.store.Run(mustRunID(t, res))
	assert.Equal(t, domain.RunTypeProduction, run.Type)
	assert.Equal(t, domain.RunStatusLocking, run.Status)
	assert.True(t, run.Active)

	stored := f.store.Flow(flow.ID)
	assert.Equal(t, domain.FlowStatusDeploying, stored.Status)
	require.NotNil(t, stored.LastStartedAt)
	assert.Equal(t, f.now, *stored.LastStartedAt)

	cmds := f.pub.ByAction(mq.ActionGenerateLock)
	require.Len(t, cmds, 1)
	assert.Equal(t, mq.GenerateLockPayload{
		FlowID:    flow.ID.String(),
		FlowRunID: run.ID.String(),
		Image:     "custom:1",
		Code:      flow.Code,
	}, cmds[0].Payload)
	assert.Empty(t, f.pub.ByAction(mq.ActionCreateContainer))
}

func TestDeployProduction_BrokerDown(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	f.pub.SetFailing(true)

	res, err := f.orch.DeployProduction(context.Background(), flow)
	require.NoError(t, err)
	assert.False(t, res.OK)

	assert.Empty(t, f.store.RunsOf(flow.ID))
	assert.Equal(t, domain.FlowStatusDraft, f.store.Flow(flow.ID).Status)
	assert.Zero(t, f.store.Writes())
}

// --- Stop Tests ---

func TestStop_NoActiveRun(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")

	for range 2 {
		res, err := f.orch.Stop(context.Background(), flow)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.False(t, res.Pending)
	}

	assert.Zero(t, f.store.Writes())
	assert.Empty(t, f.pub.Commands())
}

func TestStop_WithContainer(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	dep, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	runID := mustRunID(t, dep)
	cid := "c1"
	require.NoError(t, f.store.Runs().ApplyUpdate(ctx, runID, repo.RunUpdate{ContainerID: &cid}))

	res, err := f.orch.Stop(ctx, flow)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Pending)
	assert.Equal(t, runID.String(), res.RunID)

	run := f.store.Run(runID)
	assert.False(t, run.Active)
	assert.Equal(t, domain.RunStatusStopped, run.Status)
	assert.NotNil(t, run.FinishedAt)

	stops := f.pub.ByAction(mq.ActionStopContainer)
	require.Len(t, stops, 1)
	assert.Equal(t, mq.StopContainerPayload{ContainerID: "c1"}, stops[0].Payload)

	// Повторный stop — no-op
	writes := f.store.Writes()
	again, err := f.orch.Stop(ctx, flow)
	require.NoError(t, err)
	assert.True(t, again.OK)
	assert.Equal(t, writes, f.store.Writes())
	assert.Len(t, f.pub.ByAction(mq.ActionStopContainer), 1)
}

func TestStop_ContainerNotYetRegistered(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	dep, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	runID := mustRunID(t, dep)

	res, err := f.orch.Stop(ctx, flow)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Pending)

	pending := f.store.PendingOf(runID)
	require.Len(t, pending, 1)
	assert.Equal(t, mq.ActionStopContainer, pending[0].Action)
	assert.Equal(t, f.now.Add(5*time.Second), pending[0].ExpiresAt)
	assert.Empty(t, f.pub.ByAction(mq.ActionStopContainer))
	assert.False(t, f.store.Run(runID).Active)
}

func TestStop_BrokerDownKeepsRunActive(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	dep, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	runID := mustRunID(t, dep)
	cid := "c1"
	require.NoError(t, f.store.Runs().ApplyUpdate(ctx, runID, repo.RunUpdate{ContainerID: &cid}))

	f.pub.SetFailing(true)

	res, err := f.orch.Stop(ctx, flow)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "broker unavailable", res.Message)

	// Состояние не изменилось: run активен и его можно остановить повторно
	run := f.store.Run(runID)
	assert.True(t, run.Active)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Empty(t, f.store.PendingOf(runID))

	f.pub.SetFailing(false)

	res, err = f.orch.Stop(ctx, flow)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, f.store.Run(runID).Active)

	stops := f.pub.ByAction(mq.ActionStopContainer)
	require.Len(t, stops, 1)
	assert.Equal(t, mq.StopContainerPayload{ContainerID: "c1"}, stops[0].Payload)
}

func TestUndeployProduction_BrokerDownKeepsFlowRunning(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	dep, err := f.orch.DeployProduction(ctx, flow)
	require.NoError(t, err)
	runID := mustRunID(t, dep)

	running := domain.RunStatusRunning
	cid := "c-prod"
	require.NoError(t, f.store.Runs().ApplyUpdate(ctx, runID, repo.RunUpdate{Status: &running, ContainerID: &cid}))
	flowRunning := domain.FlowStatusRunning
	_, err = f.store.Flows().ApplyRunUpdate(ctx, flow.ID, runID, repo.FlowUpdate{Status: &flowRunning})
	require.NoError(t, err)

	f.pub.SetFailing(true)

	res, err := f.orch.UndeployProduction(ctx, flow)
	require.NoError(t, err)
	assert.False(t, res.OK)

	assert.True(t, f.store.Run(runID).Active)
	assert.Equal(t, domain.FlowStatusRunning, f.store.Flow(flow.ID).Status)
}

func TestUndeployProduction(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	dep, err := f.orch.DeployProduction(ctx, flow)
	require.NoError(t, err)
	runID := mustRunID(t, dep)

	// Эмулируем running production run с legacy container_id у flow
	running := domain.RunStatusRunning
	require.NoError(t, f.store.Runs().ApplyUpdate(ctx, runID, repo.RunUpdate{Status: &running}))
	flowRunning := domain.FlowStatusRunning
	cid := "c-prod"
	_, err = f.store.Flows().ApplyRunUpdate(ctx, flow.ID, runID, repo.FlowUpdate{Status: &flowRunning, ContainerID: &cid})
	require.NoError(t, err)

	res, err := f.orch.UndeployProduction(ctx, flow)
	require.NoError(t, err)
	assert.True(t, res.OK)

	stored := f.store.Flow(flow.ID)
	assert.Equal(t, domain.FlowStatusStopped, stored.Status)
	assert.NotNil(t, stored.LastFinishedAt)

	// container_id run пуст, используется legacy-поле flow
	stops := f.pub.ByAction(mq.ActionStopContainer)
	require.Len(t, stops, 1)
	assert.Equal(t, mq.StopContainerPayload{ContainerID: "c-prod"}, stops[0].Payload)
}

func TestUndeployProduction_LockingRunHasNoContainer(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	dep, err := f.orch.DeployProduction(ctx, flow)
	require.NoError(t, err)

	res, err := f.orch.UndeployProduction(ctx, flow)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Pending)
	assert.Empty(t, f.store.PendingOf(mustRunID(t, dep)))

	// Flow не был running — статус не трогаем
	assert.Equal(t, domain.FlowStatusDeploying, f.store.Flow(flow.ID).Status)
}

// --- Delete Tests ---

func TestDelete_StopsAllActiveRuns(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	_, err := f.orch.DeployDevelopment(ctx, flow, DeployOptions{})
	require.NoError(t, err)
	_, err = f.orch.DeployProduction(ctx, flow)
	require.NoError(t, err)

	res := f.orch.Delete(ctx, flow)
	assert.True(t, res.OK)

	assert.Zero(t, f.store.ActiveCount(flow.ID, domain.RunTypeDevelopment))
	assert.Zero(t, f.store.ActiveCount(flow.ID, domain.RunTypeProduction))
	require.NoError(t, f.store.Flows().Delete(ctx, flow.ID))
}

func TestDelete_NoActiveRuns(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")

	res := f.orch.Delete(context.Background(), flow)
	assert.True(t, res.OK)
	assert.Zero(t, f.store.Writes())
}

func TestDelete_StoreFailureStillOK(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	f.store.FailWith(errors.New("db down"))

	res := f.orch.Delete(context.Background(), flow)
	assert.True(t, res.OK)
}

// --- MarkLockReady Tests ---

func TestMarkLockReady_Development(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	run := f.store.AddRun(domain.NewRun(flow.ID, domain.RunTypeDevelopment, domain.RunStatusLocked))

	require.NoError(t, f.orch.MarkLockReady(context.Background(), flow, run))
	assert.Equal(t, domain.RunStatusLocked, f.store.Run(run.ID).Status)
	assert.NoFileExists(t, f.arts.CodePath(run))
}

func TestMarkLockReady_Production(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	run := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusLocked)
	run.Lock = "lock-content"
	f.store.AddRun(run)

	require.NoError(t, f.orch.MarkLockReady(context.Background(), flow, run))

	assert.Equal(t, domain.RunStatusReady, f.store.Run(run.ID).Status)
	lock, err := os.ReadFile(f.arts.LockPath(run))
	require.NoError(t, err)
	assert.Equal(t, "lock-content", string(lock))
	assert.Len(t, f.pub.ByAction(mq.ActionCreateContainer), 1)
}

func TestMarkLockReady_InactiveRunDoesNotStartContainer(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	run := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusLocked)
	run.Active = false
	f.store.AddRun(run)

	require.NoError(t, f.orch.MarkLockReady(context.Background(), flow, run))
	assert.Equal(t, domain.RunStatusReady, f.store.Run(run.ID).Status)
	assert.Empty(t, f.pub.ByAction(mq.ActionCreateContainer))
}

// --- Concurrency Tests ---

func TestAtMostOneActiveRun_ConcurrentDeployStop(t *testing.T) {
	f := newFixture(t)
	flow := f.flow("f")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := *flow
			switch i % 4 {
			case 0:
				_, _ = f.orch.DeployDevelopment(ctx, &local, DeployOptions{})
			case 1:
				_, _ = f.orch.DeployProduction(ctx, &local)
			case 2:
				_, _ = f.orch.Stop(ctx, &local)
			default:
				_, _ = f.orch.UndeployProduction(ctx, &local)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.store.ActiveCount(flow.ID, domain.RunTypeDevelopment), 1)
	assert.LessOrEqual(t, f.store.ActiveCount(flow.ID, domain.RunTypeProduction), 1)
}
