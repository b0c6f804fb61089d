package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Префиксы и шаблоны routing key.
const (
	CommandPrefix  = "command."
	EventPrefix    = "event."
	CommandBinding = "command.*"
	EventBinding   = "event.#"

	// DeadLetterRoutingKey — ключ, с которым отвергнутые события уходят в DLX.
	DeadLetterRoutingKey = "dlq.events"
)

// Topology — имена объектов брокера.
//
// Команды и события идут через один topic exchange:
// команды — с ключом command.<action>, события — event.<name>.
type Topology struct {
	// Exchange — общий topic exchange.
	Exchange string

	// CommandQueue — очередь runtime, привязана к command.*.
	CommandQueue string

	// EventQueue — очередь оркестратора, привязана к event.#.
	EventQueue string

	// DeadLetterExchange — exchange для событий, которые не удалось обработать.
	DeadLetterExchange string

	// DeadLetterQueue — очередь таких событий, привязана к DeadLetterExchange.
	DeadLetterQueue string

	// ResponseQueue — очередь синхронных ответов runtime.
	// Оркестратор её не объявляет и не читает: контракт команд fire-and-forget.
	ResponseQueue string
}

// DefaultTopology возвращает имена, совместимые с flow-manager.
func DefaultTopology() Topology {
	return Topology{
		Exchange:           "flow-manager.events",
		CommandQueue:       "flow-manager.commands",
		EventQueue:         "flowdeploy.events",
		DeadLetterExchange: "flowdeploy.dlx",
		DeadLetterQueue:    "flowdeploy.events.dlq",
		ResponseQueue:      "flow-manager.responses",
	}
}

// CommandRoutingKey возвращает routing key для команды.
func CommandRoutingKey(action string) string {
	return CommandPrefix + action
}

// EventNameFromRoutingKey извлекает имя события из routing key.
// Если префикса event. нет или имя пустое, возвращает "event".
func EventNameFromRoutingKey(routingKey string) string {
	name, ok := strings.CutPrefix(routingKey, EventPrefix)
	if !ok || name == "" {
		return "event"
	}
	return name
}

// SetupTopology объявляет exchange, очереди команд и событий, DLQ и их привязки.
// Операция идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection, topo Topology) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return declare(ch, topo)
	})
}

// EventQueueArgs — аргументы очереди событий.
// Если DLX задан, отвергнутые сообщения уходят в него.
func EventQueueArgs(topo Topology) amqp.Table {
	if topo.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    topo.DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
	}
}

// declare объявляет топологию на канале.
func declare(ch *amqp.Channel, topo Topology) error {
	exchanges := []struct {
		name string
		kind string
	}{
		{topo.Exchange, "topic"},
		{topo.DeadLetterExchange, "direct"},
	}

	// 1. Exchanges
	for _, ex := range exchanges {
		if ex.name == "" {
			continue
		}
		err := ch.ExchangeDeclare(
			ex.name, // name
			ex.kind, // type
			true,    // durable
			false,   // auto-deleted
			false,   // internal
			false,   // no-wait
			nil,     // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	// 2. Очереди и привязки
	bindings := []struct {
		queue    string
		pattern  string
		exchange string
		args     amqp.Table
	}{
		// dlq — сама DLQ очередь, объявляется до очереди событий
		{topo.DeadLetterQueue, DeadLetterRoutingKey, topo.DeadLetterExchange, nil},
		{topo.CommandQueue, CommandBinding, topo.Exchange, nil},
		{topo.EventQueue, EventBinding, topo.Exchange, EventQueueArgs(topo)},
	}

	for _, b := range bindings {
		if b.queue == "" || b.exchange == "" {
			continue
		}

		_, err := ch.QueueDeclare(
			b.queue, // name
			true,    // durable
			false,   // delete when unused
			false,   // exclusive
			false,   // no-wait
			b.args,  // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}

		err = ch.QueueBind(
			b.queue,    // queue name
			b.pattern,  // routing key
			b.exchange, // exchange
			false,      // no-wait
			nil,        // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(topo Topology) string {
	return fmt.Sprintf(`
  flowdeploy RabbitMQ topology:

    %s (topic, durable)
    ├── %s [routing: %s]
    │       Consumer: runtime (flow-manager)
    └── %s [routing: %s]
            Consumer: flowdeploy-events
            DLQ: %s

    %s (direct, durable)
    └── %s [routing: %s]
`, topo.Exchange, topo.CommandQueue, CommandBinding, topo.EventQueue, EventBinding,
		topo.DeadLetterQueue, topo.DeadLetterExchange, topo.DeadLetterQueue, DeadLetterRoutingKey)
}
