package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

const (
	MessageTypeJobAdded MessageType = "job.added"
	MessageTypeControl  MessageType = "job.control"
	MessageTypeJobEvent MessageType = "job.event"
)

// Control-действия.
const (
	ControlStop  = "stop"
	ControlAbort = "abort"
)

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobAddedPayload — уведомление владельцу о новом job.
type JobAddedPayload struct {
	JobID string `json:"job_id"`
	Topic string `json:"topic"`
	Path  string `json:"path"`
}

// ControlPayload — control-сигнал для job.
type ControlPayload struct {
	Action string `json:"action"`
	JobID  string `json:"job_id"`

	// Origin — экземпляр-отправитель. Свои сигналы экземпляр игнорирует.
	Origin string `json:"origin"`
}

// JobEventPayload — событие жизненного цикла job.
type JobEventPayload struct {
	Event      string          `json:"event"`
	JobID      string          `json:"job_id"`
	Topic      string          `json:"topic"`
	Queue      string          `json:"queue,omitempty"`
	State      domain.JobState `json:"state"`
	RetryCount int             `json:"retry_count"`
	Instance   string          `json:"instance,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// NewJobEventPayload собирает событие из снимка job.
func NewJobEventPayload(event string, job *domain.Job) JobEventPayload {
	instance := job.StartedInstance
	if instance == "" {
		instance = job.TargetInstance
	}
	return JobEventPayload{
		Event:      event,
		JobID:      job.ID,
		Topic:      job.Topic,
		Queue:      job.Queue,
		State:      job.State,
		RetryCount: job.RetryCount,
		Instance:   instance,
		Message:    job.ResultMessage,
	}
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher публикует уведомления, control-сигналы и события.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger.With("component", "mq.publisher"),
	}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, mode uint8) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: mode,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// NotifyJobAdded сообщает экземпляру instance о новом job.
// Уведомление не переживает рестарт брокера: его заменяет обход хранилища.
func (p *Publisher) NotifyJobAdded(ctx context.Context, instance string, job *domain.Job) error {
	msg := newMessage(MessageTypeJobAdded, JobAddedPayload{
		JobID: job.ID,
		Topic: job.Topic,
		Path:  job.Path,
	})
	return p.Publish(ctx, ExchangeJobs, InstanceRoutingKey(instance), msg, amqp.Transient)
}

// BroadcastControl рассылает control-сигнал всем экземплярам.
func (p *Publisher) BroadcastControl(ctx context.Context, signal ControlPayload) error {
	return p.Publish(ctx, ExchangeControl, "", newMessage(MessageTypeControl, signal), amqp.Transient)
}

// PublishJobEvent публикует событие жизненного цикла job.
func (p *Publisher) PublishJobEvent(ctx context.Context, event string, job *domain.Job) error {
	msg := newMessage(MessageTypeJobEvent, NewJobEventPayload(event, job))
	return p.Publish(ctx, ExchangeEvents, EventRoutingKey(event), msg, amqp.Persistent)
}
