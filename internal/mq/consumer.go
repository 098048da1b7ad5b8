package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnknownMessage — сообщение неизвестного типа.
var ErrUnknownMessage = errors.New("unknown message type")

// Handler — обработчик сообщения.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенный конверт.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Consumer потребляет сообщения из очереди RabbitMQ.
//
// Уведомления подсказывают, а не гарантируют: сообщение, которое не
// удалось обработать, отбрасывается без повторной доставки, а job
// подхватывается ближайшим обходом хранилища.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int
	declare  func(ch *amqp.Channel) error
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Prefetch — количество неподтверждённых сообщений (default: 16).
	Prefetch int

	// Declare объявляет очередь перед каждым запуском потребления,
	// в том числе после переподключения.
	Declare func(ch *amqp.Channel) error

	Logger *slog.Logger
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("component", "mq.consumer", "queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
		declare:  cfg.Declare,
	}
}

// Run потребляет сообщения до отмены ctx.
func (c *Consumer) Run(ctx context.Context) error {
	reconnected := c.conn.ReconnectNotify()

	for {
		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
		} else {
			c.logger.Info("consumer started")
			c.processDeliveries(ctx, deliveries)
		}

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("consumer interrupted, waiting for reconnect")
		select {
		case <-ctx.Done():
			return nil
		case <-reconnected:
		}
	}
}

func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}

	if c.declare != nil {
		if err := c.declare(ch); err != nil {
			return nil, err
		}
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.queue),
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	if err := c.handler(ctx, &Delivery{Message: msg, Raw: raw}); err != nil {
		c.logger.Warn("message dropped",
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		raw.Nack(false, false)
		return
	}
	raw.Ack(false)
}

// ParsePayload разбирает payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal конверта payload — map[string]any
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

// NodeListener — получатель уведомлений экземпляра.
// *manager.Manager реализует этот интерфейс.
type NodeListener interface {
	HandleJobAdded(ctx context.Context, path string)
	HandleControl(ctx context.Context, signal ControlPayload)
}

// Dispatch возвращает Handler, передающий уведомления listener'у.
func Dispatch(listener NodeListener) Handler {
	return func(ctx context.Context, d *Delivery) error {
		switch d.Message.Type {
		case MessageTypeJobAdded:
			p, err := ParsePayload[JobAddedPayload](&d.Message)
			if err != nil {
				return err
			}
			listener.HandleJobAdded(ctx, p.Path)
		case MessageTypeControl:
			p, err := ParsePayload[ControlPayload](&d.Message)
			if err != nil {
				return err
			}
			listener.HandleControl(ctx, p)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownMessage, d.Message.Type)
		}
		return nil
	}
}
