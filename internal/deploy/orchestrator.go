package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/domain"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/repo"
)

// defaultStopWait — сколько отложенный stop ждёт container_created.
const defaultStopWait = 5 * time.Second

// FlowStore — операции с flows, нужные оркестратору.
type FlowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	MarkDeploying(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkStoppedIfRunning(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// RunStore — операции с flow_runs, нужные оркестратору.
type RunStore interface {
	Activate(ctx context.Context, run *domain.FlowRun, issue func(ctx context.Context) error) ([]domain.FlowRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)
	GetActive(ctx context.Context, flowID uuid.UUID, runType domain.RunType) (*domain.FlowRun, error)
	ListActive(ctx context.Context, flowID uuid.UUID) ([]domain.FlowRun, error)
	Deactivate(ctx context.Context, id uuid.UUID, status domain.RunStatus, at time.Time) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.RunStatus) error
}

// PendingStore — очередь отложенных команд.
type PendingStore interface {
	Enqueue(ctx context.Context, cmd *domain.PendingCommand) error
	TakeForRun(ctx context.Context, runID uuid.UUID) ([]domain.PendingCommand, error)
}

// Publisher — отправка команд runtime.
type Publisher interface {
	Publish(ctx context.Context, action string, payload any) mq.Result
}

// Result — итог действия пользователя.
//
// OK=false — ожидаемый отказ (брокер недоступен), состояние не изменилось.
// Pending=true — stop принят, команда уйдёт, когда runtime сообщит container_id.
type Result struct {
	OK            bool   `json:"ok"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Pending       bool   `json:"pending,omitempty"`
	Message       string `json:"message,omitempty"`
}

// DeployOptions — дополнительные параметры development deploy.
type DeployOptions struct {
	// TestRunID — метка e2e-прогона, попадает в labels контейнера.
	TestRunID string
}

// Orchestrator обрабатывает действия пользователя над flow.
//
// Orchestrator — единственный, кто меняет флаг active у runs:
//   - deploy деактивирует предыдущий run того же типа и создаёт новый
//   - stop/undeploy деактивирует текущий run и останавливает его контейнер
//
// Обработчик событий работает в другом процессе и меняет только
// статус и данные runtime уже найденного run.
type Orchestrator struct {
	flows     FlowStore
	runs      RunStore
	pending   PendingStore
	publisher Publisher
	artifacts *Artifacts

	defaultImage string
	stopWait     time.Duration
	clock        func() time.Time

	logger *slog.Logger
}

// Config — конфигурация Orchestrator.
type Config struct {
	Flows     FlowStore
	Runs      RunStore
	Pending   PendingStore
	Publisher Publisher
	Artifacts *Artifacts

	DefaultImage string        // образ, если у flow не задан свой
	StopWait     time.Duration // ожидание container_created при stop (default: 5s)

	// Clock — источник времени (default: time.Now).
	Clock func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	stopWait := cfg.StopWait
	if stopWait <= 0 {
		stopWait = defaultStopWait
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		flows:        cfg.Flows,
		runs:         cfg.Runs,
		pending:      cfg.Pending,
		publisher:    cfg.Publisher,
		artifacts:    cfg.Artifacts,
		defaultImage: cfg.DefaultImage,
		stopWait:     stopWait,
		clock:        clock,
		logger:       logger.With("component", "deploy"),
	}
}

// --- Deploy ---

// Start — то же, что DeployDevelopment без опций.
func (o *Orchestrator) Start(ctx context.Context, flow *domain.Flow) (Result, error) {
	return o.DeployDevelopment(ctx, flow, DeployOptions{})
}

// DeployDevelopment запускает новый development run.
//
// Предыдущий активный development run деактивируется, артефакты пишутся
// сразу (lock не нужен), затем отправляется create_container.
// Если команда не доставлена, транзакция откатывается и состояние не меняется.
func (o *Orchestrator) DeployDevelopment(ctx context.Context, flow *domain.Flow, opts DeployOptions) (Result, error) {
	now := o.clock()
	run := domain.NewRun(flow.ID, domain.RunTypeDevelopment, domain.RunStatusRunning)
	run.CreatedAt = now
	run.StartedAt = &now

	var published mq.Result
	superseded, err := o.runs.Activate(ctx, run, func(ctx context.Context) error {
		codePath, err := o.artifacts.Write(flow, run)
		if err != nil {
			return fmt.Errorf("write artifacts: %w", err)
		}

		published = o.publisher.Publish(ctx, mq.ActionCreateContainer,
			o.createContainerPayload(flow, run, codePath, opts.TestRunID))
		if !published.OK {
			return &notDeliveredError{message: published.Message}
		}
		return nil
	})
	if err != nil {
		if rmErr := o.artifacts.Remove(run); rmErr != nil {
			o.logger.Warn("failed to remove artifacts", "run_id", run.ID, "error", rmErr)
		}
		return o.activateFailed(flow, run, published, err)
	}

	o.logger.Info("development run deployed",
		"flow_id", flow.ID,
		"run_id", run.ID,
		"correlation_id", published.CorrelationID,
		"test_run_id", opts.TestRunID,
	)

	o.stopSuperseded(ctx, flow, superseded)

	return Result{
		OK:            true,
		RunID:         run.ID.String(),
		CorrelationID: published.CorrelationID,
	}, nil
}

// DeployProduction запускает новый production run.
//
// Run создаётся в статусе locking, runtime получает generate_lock.
// Результат приходит позже событием lock_generated или lock_failed.
func (o *Orchestrator) DeployProduction(ctx context.Context, flow *domain.Flow) (Result, error) {
	now := o.clock()
	run := domain.NewRun(flow.ID, domain.RunTypeProduction, domain.RunStatusLocking)
	run.CreatedAt = now

	var published mq.Result
	superseded, err := o.runs.Activate(ctx, run, func(ctx context.Context) error {
		published = o.publisher.Publish(ctx, mq.ActionGenerateLock, mq.GenerateLockPayload{
			FlowID:    flow.ID.String(),
			FlowRunID: run.ID.String(),
			Image:     o.image(flow),
			Code:      flow.Code,
		})
		if !published.OK {
			return &notDeliveredError{message: published.Message}
		}
		return nil
	})
	if err != nil {
		return o.activateFailed(flow, run, published, err)
	}

	if err := o.flows.MarkDeploying(ctx, flow.ID, now); err != nil {
		return Result{}, fmt.Errorf("mark flow deploying: %w", err)
	}
	flow.Status = domain.FlowStatusDeploying
	flow.ContainerID = ""
	flow.LastStartedAt = &now

	o.logger.Info("production run deploying",
		"flow_id", flow.ID,
		"run_id", run.ID,
		"correlation_id", published.CorrelationID,
	)

	o.stopSuperseded(ctx, flow, superseded)

	return Result{
		OK:            true,
		RunID:         run.ID.String(),
		CorrelationID: published.CorrelationID,
	}, nil
}

// activateFailed переводит ошибку Activate в Result или error.
func (o *Orchestrator) activateFailed(flow *domain.Flow, run *domain.FlowRun, published mq.Result, err error) (Result, error) {
	var notDelivered *notDeliveredError
	switch {
	case errors.As(err, &notDelivered):
		o.logger.Warn("deploy aborted, command not delivered",
			"flow_id", flow.ID,
			"run_type", run.Type,
			"correlation_id", published.CorrelationID,
			"error", notDelivered.message,
		)
		return Result{
			OK:            false,
			CorrelationID: published.CorrelationID,
			Message:       published.Message,
		}, nil
	case errors.Is(err, repo.ErrNotFound):
		return Result{}, ErrFlowNotFound
	case errors.Is(err, repo.ErrAlreadyExists):
		return Result{}, ErrConcurrentDeploy
	default:
		return Result{}, fmt.Errorf("activate %s run: %w", run.Type, err)
	}
}

// --- Stop ---

// Stop останавливает активный development run.
func (o *Orchestrator) Stop(ctx context.Context, flow *domain.Flow) (Result, error) {
	return o.stopActive(ctx, flow, domain.RunTypeDevelopment)
}

// UndeployProduction останавливает активный production run.
func (o *Orchestrator) UndeployProduction(ctx context.Context, flow *domain.Flow) (Result, error) {
	return o.stopActive(ctx, flow, domain.RunTypeProduction)
}

// Delete останавливает все активные runs flow перед удалением.
// Всегда возвращает OK: ошибки только логируются.
func (o *Orchestrator) Delete(ctx context.Context, flow *domain.Flow) Result {
	active, err := o.runs.ListActive(ctx, flow.ID)
	if err != nil {
		o.logger.Error("failed to list active runs", "flow_id", flow.ID, "error", err)
		return Result{OK: true}
	}

	stopped := map[domain.RunType]bool{}
	for _, run := range active {
		if stopped[run.Type] {
			continue
		}
		stopped[run.Type] = true

		res, err := o.stopActive(ctx, flow, run.Type)
		if err != nil {
			o.logger.Error("failed to stop run before delete",
				"flow_id", flow.ID,
				"run_id", run.ID,
				"error", err,
			)
			continue
		}
		if !res.OK {
			o.logger.Warn("stop before delete not delivered",
				"flow_id", flow.ID,
				"run_id", run.ID,
				"message", res.Message,
			)
		}
	}

	return Result{OK: true}
}

// stopActive деактивирует активный run типа runType и останавливает его контейнер.
// Если активного run нет, ничего не пишет и возвращает OK.
//
// Если контейнер известен, stop_container отправляется до деактивации:
// при недоступном брокере run остаётся активным и возвращается OK=false.
func (o *Orchestrator) stopActive(ctx context.Context, flow *domain.Flow, runType domain.RunType) (Result, error) {
	run, err := o.runs.GetActive(ctx, flow.ID, runType)
	if errors.Is(err, repo.ErrNotFound) {
		return Result{OK: true, Message: "no active " + string(runType) + " run"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get active %s run: %w", runType, err)
	}

	containerID := resolveContainerID(flow, run)
	if containerID == "" {
		containerID, err = o.reload(ctx, flow, run)
		if err != nil {
			return Result{}, err
		}
	}

	if containerID != "" {
		res := o.publishStop(ctx, run, containerID)
		if !res.OK {
			o.logger.Warn("stop aborted, command not delivered",
				"flow_id", flow.ID,
				"run_id", run.ID,
				"correlation_id", res.CorrelationID,
				"error", res.Message,
			)
			return res, nil
		}
		if _, err := o.deactivate(ctx, flow, run); err != nil {
			return Result{}, err
		}
		return res, nil
	}

	deactivated, err := o.deactivate(ctx, flow, run)
	if err != nil {
		return Result{}, err
	}
	if !deactivated {
		// Параллельный deploy или stop успел раньше и сам остановит контейнер
		return Result{OK: true, RunID: run.ID.String(), Message: "run already stopped"}, nil
	}

	if !expectsContainer(run.Status) {
		return Result{OK: true, RunID: run.ID.String(), Message: "no container to stop"}, nil
	}

	// container_id ещё не известен: команда уйдёт по container_created
	return o.deferStop(ctx, flow, run)
}

// deactivate снимает флаг active и для production переводит flow в stopped.
// Возвращает false, если run уже деактивирован.
func (o *Orchestrator) deactivate(ctx context.Context, flow *domain.Flow, run *domain.FlowRun) (bool, error) {
	now := o.clock()
	deactivated, err := o.runs.Deactivate(ctx, run.ID, domain.RunStatusStopped, now)
	if err != nil {
		return false, fmt.Errorf("deactivate run: %w", err)
	}
	if !deactivated {
		return false, nil
	}

	if run.IsProduction() {
		if _, err := o.flows.MarkStoppedIfRunning(ctx, flow.ID, now); err != nil {
			return false, fmt.Errorf("mark flow stopped: %w", err)
		}
	}

	o.logger.Info("run stopped",
		"flow_id", flow.ID,
		"run_id", run.ID,
		"run_type", run.Type,
	)
	return true, nil
}

// deferStop ставит stop_container в очередь до прихода container_created.
// Очередь разбирает обработчик событий, истёкшие команды — планировщик.
func (o *Orchestrator) deferStop(ctx context.Context, flow *domain.Flow, run *domain.FlowRun) (Result, error) {
	cmd := o.stopCommand(flow, run)
	if err := o.pending.Enqueue(ctx, cmd); err != nil {
		return Result{}, fmt.Errorf("enqueue pending stop: %w", err)
	}

	pending := Result{
		OK:      true,
		RunID:   run.ID.String(),
		Pending: true,
		Message: "stop pending: waiting for container registration",
	}

	// container_created мог прийти между перечитыванием и Enqueue:
	// тогда обработчик уже не увидит команду, забираем её сами.
	fresh, err := o.runs.GetByID(ctx, run.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reload run: %w", err)
	}
	if fresh.ContainerID != "" {
		taken, err := o.pending.TakeForRun(ctx, run.ID)
		if err != nil {
			return Result{}, fmt.Errorf("take pending stop: %w", err)
		}
		if len(taken) > 0 {
			res := o.publishStop(ctx, run, fresh.ContainerID)
			if res.OK {
				return res, nil
			}
			if err := o.retryStop(ctx, cmd, fresh.ContainerID, res.Message); err != nil {
				return Result{}, err
			}
			pending.CorrelationID = res.CorrelationID
			pending.Message = "stop pending: command not delivered, will retry"
			return pending, nil
		}
	}

	o.logger.Info("stop deferred until container is registered",
		"flow_id", flow.ID,
		"run_id", run.ID,
		"expires_at", cmd.ExpiresAt,
	)
	return pending, nil
}

// stopCommand — отложенный stop_container для run.
func (o *Orchestrator) stopCommand(flow *domain.Flow, run *domain.FlowRun) *domain.PendingCommand {
	now := o.clock()
	return &domain.PendingCommand{
		ID:     uuid.New(),
		FlowID: flow.ID,
		RunID:  run.ID,
		Action: mq.ActionStopContainer,
		Payload: map[string]any{
			"flow_name": flow.Name,
			"run_type":  string(run.Type),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(o.stopWait),
	}
}

// retryStop ставит недоставленный stop_container в очередь повторно.
// Повторную отправку делает планировщик по истечении stopWait.
func (o *Orchestrator) retryStop(ctx context.Context, cmd *domain.PendingCommand, containerID, reason string) error {
	retry := cmd.Redeliver(containerID, o.clock(), o.stopWait)
	if err := o.pending.Enqueue(ctx, retry); err != nil {
		return fmt.Errorf("enqueue stop retry: %w", err)
	}

	o.logger.Warn("stop not delivered, queued for retry",
		"flow_id", cmd.FlowID,
		"run_id", cmd.RunID,
		"container_id", containerID,
		"expires_at", retry.ExpiresAt,
		"error", reason,
	)
	return nil
}

// publishStop отправляет stop_container.
func (o *Orchestrator) publishStop(ctx context.Context, run *domain.FlowRun, containerID string) Result {
	published := o.publisher.Publish(ctx, mq.ActionStopContainer, mq.StopContainerPayload{
		ContainerID: containerID,
	})
	return Result{
		OK:            published.OK,
		RunID:         run.ID.String(),
		CorrelationID: published.CorrelationID,
		Message:       published.Message,
	}
}

// reload перечитывает run и flow и возвращает найденный container_id.
func (o *Orchestrator) reload(ctx context.Context, flow *domain.Flow, run *domain.FlowRun) (string, error) {
	freshRun, err := o.runs.GetByID(ctx, run.ID)
	if err != nil {
		return "", fmt.Errorf("reload run: %w", err)
	}

	freshFlow := flow
	if run.IsProduction() {
		freshFlow, err = o.flows.GetByID(ctx, flow.ID)
		if err != nil {
			return "", fmt.Errorf("reload flow: %w", err)
		}
	}

	return resolveContainerID(freshFlow, freshRun), nil
}

// stopSuperseded останавливает контейнеры runs, вытесненных новым deploy.
// Недоставленный stop ставится в очередь повторно. Ошибки только логируются.
func (o *Orchestrator) stopSuperseded(ctx context.Context, flow *domain.Flow, superseded []domain.FlowRun) {
	for i := range superseded {
		run := &superseded[i]

		var (
			res Result
			err error
		)
		switch {
		case run.ContainerID != "":
			res = o.publishStop(ctx, run, run.ContainerID)
			if !res.OK {
				err = o.retryStop(ctx, o.stopCommand(flow, run), run.ContainerID, res.Message)
			}
		case expectsContainer(run.Status):
			res, err = o.deferStop(ctx, flow, run)
		default:
			continue
		}

		if err != nil {
			o.logger.Error("failed to stop superseded run",
				"flow_id", flow.ID,
				"run_id", run.ID,
				"message", res.Message,
				"error", err,
			)
		}
	}
}

// --- Lock ---

// MarkLockReady завершает lock-протокол production run:
// пишет артефакты (код и lock), выставляет статус ready
// и, если run всё ещё активен, отправляет create_container.
// Для development run ничего не делает.
func (o *Orchestrator) MarkLockReady(ctx context.Context, flow *domain.Flow, run *domain.FlowRun) error {
	if !run.IsProduction() {
		return nil
	}

	codePath, err := o.artifacts.Write(flow, run)
	if err != nil {
		return fmt.Errorf("write artifacts: %w", err)
	}

	if err := o.runs.SetStatus(ctx, run.ID, domain.RunStatusReady); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("set run ready: %w", err)
	}
	run.Status = domain.RunStatusReady

	if !run.Active {
		return nil
	}

	published := o.publisher.Publish(ctx, mq.ActionCreateContainer,
		o.createContainerPayload(flow, run, codePath, ""))
	if !published.OK {
		o.logger.Error("failed to start production container",
			"flow_id", flow.ID,
			"run_id", run.ID,
			"error", published.Message,
		)
		return nil
	}

	o.logger.Info("production run ready",
		"flow_id", flow.ID,
		"run_id", run.ID,
		"correlation_id", published.CorrelationID,
	)
	return nil
}

// --- Вспомогательные функции ---

// resolveContainerID: container_id run, для production — legacy-поле flow.
func resolveContainerID(flow *domain.Flow, run *domain.FlowRun) string {
	if run.ContainerID != "" {
		return run.ContainerID
	}
	if run.IsProduction() {
		return flow.ContainerID
	}
	return ""
}

// expectsContainer — для run в этом статусе runtime создаёт или уже создал контейнер.
func expectsContainer(status domain.RunStatus) bool {
	return status == domain.RunStatusRunning || status == domain.RunStatusReady
}
