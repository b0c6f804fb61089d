package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/flowdeploy/internal/telemetry"
)

// Команды runtime.
const (
	ActionCreateContainer = "create_container"
	ActionGenerateLock    = "generate_lock"
	ActionStopContainer   = "stop_container"
)

const defaultPublishTimeout = 5 * time.Second

// Command — тело сообщения команды.
type Command struct {
	Action        string `json:"action"`
	Data          any    `json:"data"`
	CorrelationID string `json:"correlation_id"`
}

// Result — итог публикации команды.
//
// OK=false означает "не доставлено, состояние не изменилось".
// Ответа от runtime никто не ждёт: CorrelationID нужен только
// для сопоставления с последующими событиями и логами.
type Result struct {
	OK            bool   `json:"ok"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CreateContainerPayload — данные команды create_container.
type CreateContainerPayload struct {
	Image       string            `json:"image"`
	Name        string            `json:"name"`
	FlowID      string            `json:"flow_id"`
	FlowRunID   string            `json:"flow_run_id"`
	FlowName    string            `json:"flow_name"`
	GraphHash   string            `json:"graph_hash"`
	Labels      map[string]string `json:"labels"`
	Environment map[string]string `json:"environment"`
	Command     []string          `json:"command"`
	TestRunID   string            `json:"test_run_id,omitempty"`
}

// GenerateLockPayload — данные команды generate_lock.
type GenerateLockPayload struct {
	FlowID    string `json:"flow_id"`
	FlowRunID string `json:"flow_run_id"`
	Image     string `json:"image"`
	Code      string `json:"code"`
}

// StopContainerPayload — данные команды stop_container.
type StopContainerPayload struct {
	ContainerID string `json:"container_id"`
}

// Publisher публикует команды в topic exchange.
//
// Топология объявляется лениво при первой публикации и повторно
// после каждого переподключения. Соединение переиспользуется между вызовами.
type Publisher struct {
	conn    *Connection
	topo    Topology
	logger  *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	declaredGen uint64
}

// PublisherConfig — конфигурация Publisher.
type PublisherConfig struct {
	Topology Topology
	Timeout  time.Duration // таймаут одной публикации (default: 5s)
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{
		conn:    conn,
		topo:    cfg.Topology,
		logger:  logger,
		timeout: timeout,
	}
}

// Publish отправляет команду action с payload.
//
// Никогда не возвращает ошибку: сбой транспорта логируется
// и возвращается как Result{OK: false}.
func (p *Publisher) Publish(ctx context.Context, action string, payload any) Result {
	correlationID := uuid.New().String()

	err := p.publish(ctx, action, payload, correlationID)
	if err != nil {
		p.logger.Error("failed to publish command",
			"action", action,
			"correlation_id", correlationID,
			"payload", payload,
			"error", err,
		)
		telemetry.CommandsPublished.WithLabelValues(action, "failed").Inc()
		return Result{OK: false, CorrelationID: correlationID, Message: err.Error()}
	}

	p.logger.Debug("published command",
		"action", action,
		"correlation_id", correlationID,
		"routing_key", CommandRoutingKey(action),
	)
	telemetry.CommandsPublished.WithLabelValues(action, "ok").Inc()
	return Result{OK: true, CorrelationID: correlationID}
}

func (p *Publisher) publish(ctx context.Context, action string, payload any, correlationID string) error {
	body, err := json.Marshal(Command{
		Action:        action,
		Data:          payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := p.ensureTopology(ch); err != nil {
			return err
		}

		err := ch.PublishWithContext(
			ctx,
			p.topo.Exchange,
			CommandRoutingKey(action),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:   "application/json",
				DeliveryMode:  amqp.Persistent, // команда переживёт рестарт RabbitMQ
				CorrelationId: correlationID,
				MessageId:     correlationID,
				Timestamp:     time.Now(),
				Headers: amqp.Table{
					"correlation_id": correlationID,
					"content_type":   "application/json",
				},
				Body: body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", p.topo.Exchange, CommandRoutingKey(action), err)
		}
		return nil
	})
}

// ensureTopology объявляет топологию, если для текущего подключения это ещё не сделано.
func (p *Publisher) ensureTopology(ch *amqp.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	gen := p.conn.Generation()
	if p.declaredGen == gen {
		return nil
	}

	if err := declare(ch, p.topo); err != nil {
		return err
	}
	p.declaredGen = gen
	return nil
}
