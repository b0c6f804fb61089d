package mq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// retryDelay — пауза перед повторной подпиской, если закрылся только канал.
const retryDelay = 2 * time.Second

// errDeliveriesClosed — брокер закрыл канал доставки.
var errDeliveriesClosed = errors.New("deliveries channel closed")

// Handler — обработчик события.
// Возвращает error, если обработка не удалась: сообщение будет nack
// с requeue, а при повторной неудаче уйдёт в DLQ.
type Handler func(ctx context.Context, name string, payload map[string]any) error

// DecodeEvent извлекает имя события и payload из сообщения.
//
// Имя берётся из поля "event" в теле, если оно задано строкой,
// иначе из routing key без префикса event.
// Тело, которое не является JSON-объектом, превращается в пустой payload.
func DecodeEvent(routingKey string, body []byte) (string, map[string]any) {
	payload := map[string]any{}

	if len(bytes.TrimSpace(body)) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err == nil && decoded != nil {
			payload = decoded
		}
	}

	if name, ok := payload["event"].(string); ok && name != "" {
		return name, payload
	}
	return EventNameFromRoutingKey(routingKey), payload
}

// Consumer читает события из очереди и передаёт их обработчику.
//
// Сообщения обрабатываются строго по одному. Ack отправляется после того,
// как обработчик вернул nil.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — очередь событий.
	Queue string

	// Handler — обработчик событий.
	Handler Handler

	// Prefetch — сколько сообщений брокер отдаёт без ack (default: 1).
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start запускает потребление в фоне.
func (c *Consumer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer stopped", "queue", c.queue, "error", err)
		}
	}()
}

// Stop прекращает потребление и ждёт завершения текущего сообщения.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	c.logger.Info("consumer stopped", "queue", c.queue)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.setupConsume(ctx)
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if err := c.wait(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)

		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, resubscribing", "queue", c.queue)
			if err := c.wait(ctx); err != nil {
				return err
			}
		}
	}
}

// wait ждёт переподключения или паузы retryDelay.
// Пауза нужна, когда закрылся только канал, а соединение живо.
func (c *Consumer) wait(ctx context.Context) error {
	timer := time.NewTimer(retryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
	case <-timer.C:
	}
	return nil
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume(ctx context.Context) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery

	err := c.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}

		var err error
		deliveries, err = ch.Consume(
			c.queue, // queue
			"",      // consumer tag (auto-generated)
			false,   // auto-ack (ack вручную)
			false,   // exclusive
			false,   // no-local
			false,   // no-wait
			nil,     // args
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", c.queue, err)
		}
		return nil
	})
	return deliveries, err
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
//
// Обработчик получает контекст без отмены: Stop не прерывает
// сообщение на середине, а дожидается ack или nack.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	name, payload := DecodeEvent(raw.RoutingKey, raw.Body)

	c.logger.Debug("received event",
		"queue", c.queue,
		"routing_key", raw.RoutingKey,
		"event", name,
	)

	if err := c.handler(context.WithoutCancel(ctx), name, payload); err != nil {
		c.logger.Error("event handler failed",
			"queue", c.queue,
			"event", name,
			"error", err,
		)
		requeue := requeueOnError(raw.Redelivered)
		if err := raw.Nack(false, requeue); err != nil {
			c.logger.Warn("nack failed", "event", name, "error", err)
		}
		if !requeue {
			c.logger.Warn("event dead-lettered", "queue", c.queue, "event", name)
		}
		return
	}

	if err := raw.Ack(false); err != nil {
		c.logger.Warn("ack failed", "event", name, "error", err)
	}
}

// requeueOnError — вернуть ли сообщение в очередь после ошибки обработчика.
// Повторно доставленное сообщение не возвращается и уходит в DLX очереди.
func requeueOnError(redelivered bool) bool {
	return !redelivered
}
