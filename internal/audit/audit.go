// Package audit records security-relevant protocol events: registrations,
// code and token issuance, rotations, and authorization failures. Events
// carry derived fields only — token material never enters an event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event is one security-relevant occurrence.
type Event struct {
	Type     string         `json:"type"`
	ClientID string         `json:"client_id,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

// Auditor consumes events. Implementations must not block request handling
// beyond a local write or a single publish.
type Auditor interface {
	Emit(ctx context.Context, ev Event)
}

type nopAuditor struct{}

func (nopAuditor) Emit(context.Context, Event) {}

// Nop returns an auditor that discards everything.
func Nop() Auditor { return nopAuditor{} }

type logAuditor struct {
	log *zap.Logger
}

// NewLogAuditor writes events to the structured log.
func NewLogAuditor(log *zap.Logger) Auditor {
	return &logAuditor{log: log}
}

func (a *logAuditor) Emit(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	a.log.Info("audit event",
		zap.String("type", ev.Type),
		zap.String("client_id", ev.ClientID),
		zap.String("subject", ev.Subject),
		zap.Any("details", ev.Details),
	)
}

// AMQPAuditor publishes events as JSON messages to a queue, for deployments
// that ship security events to an external pipeline.
type AMQPAuditor struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.Logger
}

// NewAMQPAuditor connects to the broker and declares a durable queue.
func NewAMQPAuditor(url, queue string, log *zap.Logger) (*AMQPAuditor, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPAuditor{conn: conn, ch: ch, queue: queue, log: log}, nil
}

// Emit publishes the event. Publish failures are logged, never surfaced to
// the request path.
func (a *AMQPAuditor) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		a.log.Warn("failed to encode audit event", zap.Error(err))
		return
	}
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Body:        body,
	})
	if err != nil {
		a.log.Warn("failed to publish audit event", zap.Error(err))
	}
}

// Close shuts down the channel and connection.
func (a *AMQPAuditor) Close() error {
	if err := a.ch.Close(); err != nil {
		_ = a.conn.Close()
		return err
	}
	return a.conn.Close()
}

type multiAuditor []Auditor

func (m multiAuditor) Emit(ctx context.Context, ev Event) {
	for _, a := range m {
		a.Emit(ctx, ev)
	}
}

// Multi fans one event out to several auditors.
func Multi(auditors ...Auditor) Auditor {
	return multiAuditor(auditors)
}
