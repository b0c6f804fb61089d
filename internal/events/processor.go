package events

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
	"github.com/shaiso/flowdeploy/internal/telemetry"
)

// Исходы обработки события (label метрики).
const (
	outcomeMatched   = "matched"
	outcomeUnmatched = "unmatched"
	outcomeFailed    = "failed"
)

// defaultRetryWait — через сколько планировщик повторит недоставленный stop.
const defaultRetryWait = 5 * time.Second

// FlowStore — операции с flows, нужные обработчику.
type FlowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	GetByContainerID(ctx context.Context, containerID string) (*domain.Flow, error)
	SetContainerID(ctx context.Context, id uuid.UUID, containerID string) error
	ApplyRunUpdate(ctx context.Context, flowID, runID uuid.UUID, upd repo.FlowUpdate) (bool, error)
}

// RunStore — операции с flow_runs, нужные обработчику.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)
	GetLatestByContainerID(ctx context.Context, containerID string) (*domain.FlowRun, error)
	ApplyUpdate(ctx context.Context, id uuid.UUID, upd repo.RunUpdate) error
}

// LogStore — журнал flow_logs.
type LogStore interface {
	Append(ctx context.Context, entry *domain.FlowLog) error
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

// LockReadier завершает lock-протокол production run.
type LockReadier interface {
	MarkLockReady(ctx context.Context, flow *domain.Flow, run *domain.FlowRun) error
}

// Processor применяет события runtime к runs и flows.
//
// Порядок поиска run:
//  1. flow_run_id / run_id из payload
//  2. последний run с container_id из payload
//
// Если run не найден, ищется flow по flow_id или container_id.
// Статус flow меняется только событиями его активного production run.
// Каждое сопоставленное событие даёт ровно одну запись FlowLog.
type Processor struct {
	flows     FlowStore
	runs      RunStore
	logs      LogStore
	pending   PendingStore
	publisher Publisher
	lock      LockReadier

	retryWait time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// Config — конфигурация Processor.
type Config struct {
	Flows     FlowStore
	Runs      RunStore
	Logs      LogStore
	Pending   PendingStore
	Publisher Publisher
	Lock      LockReadier

	// RetryWait — срок повторной отправки недоставленного stop (default: 5s).
	RetryWait time.Duration

	// Clock — источник времени (default: time.Now).
	Clock func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Processor.
func New(cfg Config) *Processor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}

	return &Processor{
		flows:     cfg.Flows,
		runs:      cfg.Runs,
		logs:      cfg.Logs,
		pending:   cfg.Pending,
		publisher: cfg.Publisher,
		lock:      cfg.Lock,
		retryWait: retryWait,
		clock:     clock,
		logger:    logger.With("component", "events"),
	}
}

// subject — run и flow, к которым относится событие.
type subject struct {
	flow *domain.Flow
	run  *domain.FlowRun
}

// Process обрабатывает одно событие. Сигнатура совпадает с mq.Handler.
//
// Несопоставленное событие не является ошибкой. Ошибка возвращается
// только при сбое хранилища, чтобы брокер доставил событие повторно.
func (p *Processor) Process(ctx context.Context, name string, payload map[string]any) error {
	start := time.Now()

	outcome, err := p.process(ctx, name, payload)
	if err != nil {
		outcome = outcomeFailed
	}

	telemetry.EventsProcessed.WithLabelValues(name, outcome).Inc()
	telemetry.EventProcessingDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	return err
}

func (p *Processor) process(ctx context.Context, name string, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	logger := telemetry.WithEvent(p.logger, name)

	subj, err := p.resolve(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}

	if subj.flow == nil {
		logger.Info("event without flow match",
			"flow_run_id", stringField(payload, fieldFlowRunID, fieldRunID),
			"container_id", stringField(payload, fieldContainerID),
		)
		return outcomeUnmatched, nil
	}

	logger = telemetry.WithFlowID(logger, subj.flow.ID.String())

	if subj.run != nil {
		logger = telemetry.WithRunID(logger, subj.run.ID.String())
		if err := p.applyRun(ctx, name, payload, subj.flow, subj.run, logger); err != nil {
			return "", err
		}
	} else {
		if err := p.applyFlowOnly(ctx, name, payload, subj.flow); err != nil {
			return "", err
		}
	}

	var runID *uuid.UUID
	if subj.run != nil {
		id := subj.run.ID
		runID = &id
	}
	entry := domain.NewFlowLog(subj.flow.ID, runID, severity(name), logMessage(name, payload), payload)
	entry.CreatedAt = p.clock()
	if err := p.logs.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("append flow log: %w", err)
	}

	logger.Debug("event processed")
	return outcomeMatched, nil
}

// resolve находит run и flow события.
func (p *Processor) resolve(ctx context.Context, payload map[string]any) (subject, error) {
	containerID := stringField(payload, fieldContainerID)

	var run *domain.FlowRun
	if runID, ok := uuidField(payload, fieldFlowRunID, fieldRunID); ok {
		found, err := p.runs.GetByID(ctx, runID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return subject{}, fmt.Errorf("get run: %w", err)
		}
		run = found
	}

	if run == nil && containerID != "" {
		found, err := p.runs.GetLatestByContainerID(ctx, containerID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return subject{}, fmt.Errorf("get run by container: %w", err)
		}
		run = found
	}

	if run != nil {
		flow, err := p.flows.GetByID(ctx, run.FlowID)
		if errors.Is(err, repo.ErrNotFound) {
			return subject{}, nil
		}
		if err != nil {
			return subject{}, fmt.Errorf("get flow: %w", err)
		}
		return subject{flow: flow, run: run}, nil
	}

	if flowID, ok := uuidField(payload, fieldFlowID); ok {
		flow, err := p.flows.GetByID(ctx, flowID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return subject{}, fmt.Errorf("get flow: %w", err)
		}
		if flow != nil {
			return subject{flow: flow}, nil
		}
	}

	if containerID != "" {
		flow, err := p.flows.GetByContainerID(ctx, containerID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return subject{}, fmt.Errorf("get flow by container: %w", err)
		}
		if flow != nil {
			return subject{flow: flow}, nil
		}
	}

	return subject{}, nil
}

// applyRun применяет таблицу переходов к run и, через охраняемый
// UPDATE, к flow.
func (p *Processor) applyRun(ctx context.Context, name string, payload map[string]any, flow *domain.Flow, run *domain.FlowRun, logger *slog.Logger) error {
	now := p.clock()
	containerID := stringField(payload, fieldContainerID)

	runUpd := repo.RunUpdate{Meta: payload}
	var flowUpd repo.FlowUpdate
	lockReady := false

	setRunStatus := func(status domain.RunStatus) {
		runUpd.Status = &status
	}
	setFlowStatus := func(status domain.FlowStatus) {
		flowUpd.Status = &status
	}

	switch name {
	case EventContainerCreated:
		if containerID != "" {
			runUpd.ContainerID = &containerID
			flowUpd.ContainerID = &containerID
		}

	case EventLockGenerated:
		lock := lockField(payload)
		runUpd.Lock = &lock
		setRunStatus(domain.RunStatusLocked)
		lockReady = true

	case EventLockFailed:
		setRunStatus(domain.RunStatusLockFailed)

	case EventContainerCrashed:
		setRunStatus(domain.RunStatusError)
		runUpd.FinishedAt = &now
		setFlowStatus(domain.FlowStatusError)
		flowUpd.LastFinishedAt = &now
	}

	if runUpd.Status == nil {
		switch stateField(payload) {
		case "running":
			setRunStatus(domain.RunStatusRunning)
			runUpd.StartedAt = &now
			setFlowStatus(domain.FlowStatusRunning)
			flowUpd.LastStartedAt = &now
		case "stopped", "exited", "finished", "dead":
			setRunStatus(domain.RunStatusStopped)
			runUpd.FinishedAt = &now
			setFlowStatus(domain.FlowStatusStopped)
			flowUpd.LastFinishedAt = &now
		}
	}

	if actors, ok := stringsField(payload, fieldActors); ok {
		runUpd.Actors = actors
	}
	if evts, ok := stringsField(payload, fieldEvents); ok {
		runUpd.Events = evts
	}

	if err := p.runs.ApplyUpdate(ctx, run.ID, runUpd); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	applyToRun(run, runUpd)

	if !flowUpd.IsEmpty() && run.IsActiveProduction() {
		applied, err := p.flows.ApplyRunUpdate(ctx, flow.ID, run.ID, flowUpd)
		if err != nil {
			return fmt.Errorf("update flow: %w", err)
		}
		if applied {
			applyToFlow(flow, flowUpd)
		} else {
			logger.Debug("flow update skipped, run is no longer active")
		}
	}

	if lockReady {
		if err := p.lock.MarkLockReady(ctx, flow, run); err != nil {
			return fmt.Errorf("mark lock ready: %w", err)
		}
	}

	if name == EventContainerCreated && containerID != "" {
		if err := p.drainPending(ctx, run, containerID, logger); err != nil {
			return err
		}
	}

	return nil
}

// applyFlowOnly обрабатывает событие, для которого нашёлся только flow.
// Статус flow не трогаем: он привязан к активному production run.
func (p *Processor) applyFlowOnly(ctx context.Context, name string, payload map[string]any, flow *domain.Flow) error {
	if name != EventContainerCreated {
		return nil
	}
	containerID := stringField(payload, fieldContainerID)
	if containerID == "" {
		return nil
	}
	// Run из payload не найден (deploy откатился или ещё не закоммичен):
	// контейнер не принадлежит flow, legacy-поле не трогаем
	if _, ok := uuidField(payload, fieldFlowRunID, fieldRunID); ok {
		return nil
	}
	if err := p.flows.SetContainerID(ctx, flow.ID, containerID); err != nil {
		return fmt.Errorf("bind flow container: %w", err)
	}
	flow.ContainerID = containerID
	return nil
}

// drainPending отправляет команды, ждавшие container_id этого run.
//
// Если команд нет, а run уже деактивирован, контейнер создан после stop
// (например, отложенная команда успела истечь): он останавливается сразу.
func (p *Processor) drainPending(ctx context.Context, run *domain.FlowRun, containerID string, logger *slog.Logger) error {
	cmds, err := p.pending.TakeForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("take pending commands: %w", err)
	}

	if len(cmds) == 0 {
		if run.Active {
			return nil
		}
		logger.Info("container created for inactive run, stopping", "container_id", containerID)
		cmds = []domain.PendingCommand{{
			FlowID:  run.FlowID,
			RunID:   run.ID,
			Action:  mq.ActionStopContainer,
			Payload: map[string]any{"run_type": string(run.Type)},
		}}
	}

	for i := range cmds {
		cmd := &cmds[i]
		res := p.publisher.Publish(ctx, cmd.Action, mq.StopContainerPayload{ContainerID: containerID})
		if !res.OK {
			// Команда уже снята из очереди: возвращаем её для повторной отправки
			retry := cmd.Redeliver(containerID, p.clock(), p.retryWait)
			if err := p.pending.Enqueue(ctx, retry); err != nil {
				return fmt.Errorf("enqueue command retry: %w", err)
			}
			logger.Warn("pending command not delivered, queued for retry",
				"action", cmd.Action,
				"container_id", containerID,
				"expires_at", retry.ExpiresAt,
				"error", res.Message,
			)
			continue
		}
		telemetry.PendingCommandsDrained.Inc()
		logger.Info("pending command published",
			"action", cmd.Action,
			"container_id", containerID,
			"correlation_id", res.CorrelationID,
		)
	}
	return nil
}

// --- Вспомогательные функции ---

// severity — уровень FlowLog для события.
func severity(name string) domain.LogLevel {
	switch name {
	case EventContainerHealthWarning, EventResourceAlert:
		return domain.LogLevelWarning
	case EventContainerCrashed:
		return domain.LogLevelError
	default:
		return domain.LogLevelInfo
	}
}

// logMessage — текст FlowLog: имя события и message из payload, если есть.
func logMessage(name string, payload map[string]any) string {
	if msg := stringField(payload, fieldMessage); msg != "" {
		return name + ": " + msg
	}
	return name
}

func applyToRun(run *domain.FlowRun, upd repo.RunUpdate) {
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.ContainerID != nil {
		run.ContainerID = *upd.ContainerID
	}
	if upd.Lock != nil {
		run.Lock = *upd.Lock
	}
	if upd.Actors != nil {
		run.Actors = upd.Actors
	}
	if upd.Events != nil {
		run.Events = upd.Events
	}
	if upd.StartedAt != nil {
		run.StartedAt = upd.StartedAt
	}
	if upd.FinishedAt != nil {
		run.FinishedAt = upd.FinishedAt
	}
	if upd.Meta != nil {
		run.Meta = upd.Meta
	}
}

func applyToFlow(flow *domain.Flow, upd repo.FlowUpdate) {
	if upd.Status != nil {
		flow.Status = *upd.Status
	}
	if upd.ContainerID != nil {
		flow.ContainerID = *upd.ContainerID
	}
	if upd.LastStartedAt != nil {
		flow.LastStartedAt = upd.LastStartedAt
	}
	if upd.LastFinishedAt != nil {
		flow.LastFinishedAt = upd.LastFinishedAt
	}
}
