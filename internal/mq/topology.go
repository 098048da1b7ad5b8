package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	// ExchangeJobs — адресные уведомления экземплярам (direct).
	ExchangeJobs Exchange = "conveyor.jobs"

	// ExchangeControl — control-сигналы всем экземплярам (fanout).
	ExchangeControl Exchange = "conveyor.control"

	// ExchangeEvents — события жизненного цикла job для внешних наблюдателей (topic).
	ExchangeEvents Exchange = "conveyor.events"
)

// InstanceRoutingKey возвращает ключ уведомлений экземпляра.
func InstanceRoutingKey(instance string) RoutingKey {
	return RoutingKey("instance." + instance)
}

// EventRoutingKey возвращает ключ события, например job.finished.
func EventRoutingKey(event string) RoutingKey {
	return RoutingKey(event)
}

// NodeQueue возвращает имя очереди уведомлений экземпляра.
func NodeQueue(instance string) Queue {
	return Queue("conveyor.node." + instance)
}

// SetupTopology объявляет обменники.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, declareExchanges)
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeJobs, amqp.ExchangeDirect},
		{ExchangeControl, amqp.ExchangeFanout},
		{ExchangeEvents, amqp.ExchangeTopic},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

// DeclareNodeQueue возвращает функцию объявления очереди экземпляра.
//
// Очередь эксклюзивная и удаляется вместе с соединением: пропущенные
// уведомления не нужны, job подхватываются обходом хранилища.
func DeclareNodeQueue(instance string) func(ch *amqp.Channel) error {
	return func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}

		name := string(NodeQueue(instance))
		_, err := ch.QueueDeclare(
			name,  // name
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		bindings := []struct {
			key      RoutingKey
			exchange Exchange
		}{
			{InstanceRoutingKey(instance), ExchangeJobs},
			{"", ExchangeControl},
		}
		for _, b := range bindings {
			if err := ch.QueueBind(name, string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", name, b.exchange, err)
			}
		}
		return nil
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(instance string) string {
	return fmt.Sprintf(`
  Conveyor RabbitMQ Topology:

    %[1]s (direct)
    └── %[4]s [routing: %[5]s]
            job.added

    %[2]s (fanout)
    └── %[4]s
            stop / abort

    %[3]s (topic)
    └── external observers [routing: job.*]
`, ExchangeJobs, ExchangeControl, ExchangeEvents, NodeQueue(instance), InstanceRoutingKey(instance))
}
