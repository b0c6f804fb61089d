package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/mq"
)

// PublishedCommand — команда, записанная фейковым publisher.
type PublishedCommand struct {
	Action        string
	Payload       any
	CorrelationID string
}

// Publisher запоминает команды вместо отправки в брокер.
type Publisher struct {
	mu       sync.Mutex
	commands []PublishedCommand
	failing  bool
	failOn   map[string]bool
}

// NewPublisher создаёт фейковый publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// SetFailing включает режим "брокер недоступен".
func (p *Publisher) SetFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

// FailAction включает режим "брокер недоступен" только для команд action.
func (p *Publisher) FailAction(action string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn == nil {
		p.failOn = make(map[string]bool)
	}
	p.failOn[action] = failing
}

// Publish записывает команду. В режиме failing возвращает OK=false и ничего не записывает.
func (p *Publisher) Publish(ctx context.Context, action string, payload any) mq.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	correlationID := uuid.New().String()
	if p.failing || p.failOn[action] {
		return mq.Result{OK: false, CorrelationID: correlationID, Message: "broker unavailable"}
	}

	p.commands = append(p.commands, PublishedCommand{
		Action:        action,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	return mq.Result{OK: true, CorrelationID: correlationID}
}

// Commands возвращает все записанные команды.
func (p *Publisher) Commands() []PublishedCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedCommand, len(p.commands))
	copy(out, p.commands)
	return out
}

// ByAction возвращает команды с данным action.
func (p *Publisher) ByAction(action string) []PublishedCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PublishedCommand
	for _, c := range p.commands {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// Reset очищает записанные команды.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = nil
}
