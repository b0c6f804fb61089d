package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/flowdeploy/internal/domain"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/telemetry"
)

// Тексты FlowLog для команд, которые так и не ушли в runtime.
const (
	MessageNeverRegistered = "could not stop: container never registered"
	MessageNotDelivered    = "could not stop: stop_container not delivered"
)

// PendingStore — очередь отложенных команд.
type PendingStore interface {
	Enqueue(ctx context.Context, cmd *domain.PendingCommand) error
	TakeExpired(ctx context.Context, now time.Time, limit int) ([]domain.PendingCommand, error)
}

// Publisher — отправка команд runtime.
type Publisher interface {
	Publish(ctx context.Context, action string, payload any) mq.Result
}

// LogStore — журнал flow_logs.
type LogStore interface {
	Append(ctx context.Context, entry *domain.FlowLog) error
}

// Scheduler — планировщик, снимающий истёкшие отложенные команды.
//
// Команда stop_container откладывается, пока runtime не сообщил container_id.
// Если container_created так и не пришёл до ExpiresAt, Scheduler удаляет
// команду и пишет в журнал flow ошибку, видимую пользователю.
//
// Команда с известным container_id не дошла до брокера с первой попытки:
// Scheduler отправляет её повторно и пишет ошибку, только если не вышло.
type Scheduler struct {
	pending   PendingStore
	logs      LogStore
	publisher Publisher
	logger    *slog.Logger
	batchSize int
	spec      string
	clock     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Config — конфигурация Scheduler.
type Config struct {
	Pending   PendingStore
	Logs      LogStore
	Publisher Publisher
	Logger    *slog.Logger

	// Spec — cron-выражение тика (default: "@every 1s").
	Spec string

	BatchSize int // количество команд за один тик (default: 100)

	// Clock — источник времени (default: time.Now).
	Clock func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		pending:   cfg.Pending,
		logs:      cfg.Logs,
		publisher: cfg.Publisher,
		logger:    logger.With("component", "scheduler"),
		batchSize: batchSize,
		spec:      spec,
		clock:     clock,
	}
}

// Start запускает периодический Tick по cron-выражению.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(specParser))
	_, err := c.AddFunc(s.spec, func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.spec, err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущего тика.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Tick выполняет один тик планировщика.
//
// 1. Забирает истёкшие команды (удаляя их из очереди)
// 2. Команды с container_id отправляет повторно
// 3. Для остальных пишет FlowLog уровня error
//
// Если запись в журнал не удалась, команда возвращается в очередь
// и обрабатывается следующим тиком. Ошибка одной команды не блокирует остальные.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock()

	expired, err := s.pending.TakeExpired(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("take expired commands: %w", err)
	}

	if len(expired) == 0 {
		return nil
	}

	var failed int
	for i := range expired {
		cmd := &expired[i]
		telemetry.PendingCommandsExpired.Inc()

		if err := s.handle(ctx, cmd, now); err != nil {
			failed++
			s.logger.Error("failed to log expired command",
				"flow_id", cmd.FlowID,
				"run_id", cmd.RunID,
				"action", cmd.Action,
				"error", err,
			)
			if err := s.pending.Enqueue(ctx, cmd); err != nil {
				s.logger.Error("failed to restore expired command",
					"flow_id", cmd.FlowID,
					"run_id", cmd.RunID,
					"error", err,
				)
			}
		}
	}

	s.logger.Info("scheduler tick completed",
		"expired", len(expired),
		"failed", failed,
	)
	return nil
}

// handle повторяет отправку команды с известным container_id
// или пишет в журнал flow, что команда так и не была отправлена.
func (s *Scheduler) handle(ctx context.Context, cmd *domain.PendingCommand, now time.Time) error {
	containerID := cmd.ContainerID()
	if containerID == "" || s.publisher == nil {
		return s.expire(ctx, cmd, now, MessageNeverRegistered)
	}

	res := s.publisher.Publish(ctx, cmd.Action, mq.StopContainerPayload{ContainerID: containerID})
	if !res.OK {
		return s.expire(ctx, cmd, now, MessageNotDelivered)
	}

	s.logger.Info("pending command redelivered",
		"flow_id", cmd.FlowID,
		"run_id", cmd.RunID,
		"action", cmd.Action,
		"container_id", containerID,
		"correlation_id", res.CorrelationID,
	)
	return nil
}

// expire пишет в журнал flow ошибку с текстом message.
func (s *Scheduler) expire(ctx context.Context, cmd *domain.PendingCommand, now time.Time, message string) error {
	runID := cmd.RunID
	logCtx := map[string]any{
		"action":     cmd.Action,
		"created_at": cmd.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": cmd.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range cmd.Payload {
		logCtx[k] = v
	}

	entry := domain.NewFlowLog(cmd.FlowID, &runID, domain.LogLevelError, message, logCtx)
	entry.CreatedAt = now

	if err := s.logs.Append(ctx, entry); err != nil {
		return err
	}

	s.logger.Warn(message,
		"flow_id", cmd.FlowID,
		"run_id", cmd.RunID,
		"action", cmd.Action,
	)
	return nil
}
