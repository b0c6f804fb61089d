package deploy

import (
	"fmt"
	"strings"

	"github.com/shaiso/flowdeploy/internal/domain"
	"github.com/shaiso/flowdeploy/internal/mq"
)

// Labels контейнера. По ним runtime и e2e-тесты находят контейнер run.
const (
	LabelFlowID    = "kawaflow.flow_id"
	LabelFlowRunID = "kawaflow.flow_run_id"
	LabelFlowName  = "kawaflow.flow_name"
	LabelGraphHash = "kawaflow.graph_hash"
	LabelRunType   = "kawaflow.run_type"
	LabelTestRunID = "kawaflow.test_run_id"
)

// Переменные окружения контейнера.
const (
	EnvFlowID   = "KAWAFLOW_FLOW_ID"
	EnvRunID    = "KAWAFLOW_RUN_ID"
	EnvCodePath = "KAWAFLOW_CODE_PATH"
)

// ContainerName возвращает имя контейнера run: flow-<slug>-<run8>.
func ContainerName(flow *domain.Flow, run *domain.FlowRun) string {
	slug := flow.Slug
	if slug == "" {
		slug = domain.Slugify(flow.Name)
	}
	return fmt.Sprintf("flow-%s-%s", slug, run.ShortID())
}

// ContainerLabels возвращает детерминированный набор labels run.
func ContainerLabels(flow *domain.Flow, run *domain.FlowRun, testRunID string) map[string]string {
	labels := map[string]string{
		LabelFlowID:    flow.ID.String(),
		LabelFlowRunID: run.ID.String(),
		LabelFlowName:  flow.Name,
		LabelGraphHash: flow.GraphHash(),
		LabelRunType:   string(run.Type),
	}
	if testRunID != "" {
		labels[LabelTestRunID] = testRunID
	}
	return labels
}

// createContainerPayload собирает данные команды create_container.
func (o *Orchestrator) createContainerPayload(flow *domain.Flow, run *domain.FlowRun, codePath, testRunID string) mq.CreateContainerPayload {
	command := strings.Fields(flow.Entrypoint)
	if command == nil {
		command = []string{}
	}

	return mq.CreateContainerPayload{
		Image:     o.image(flow),
		Name:      ContainerName(flow, run),
		FlowID:    flow.ID.String(),
		FlowRunID: run.ID.String(),
		FlowName:  flow.Name,
		GraphHash: flow.GraphHash(),
		Labels:    ContainerLabels(flow, run, testRunID),
		Environment: map[string]string{
			EnvFlowID:   flow.ID.String(),
			EnvRunID:    run.ID.String(),
			EnvCodePath: codePath,
		},
		Command:   command,
		TestRunID: testRunID,
	}
}

// image возвращает образ flow или образ по умолчанию.
func (o *Orchestrator) image(flow *domain.Flow) string {
	if flow.Image != "" {
		return flow.Image
	}
	return o.defaultImage
}
