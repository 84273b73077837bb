package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks Exchange = "aiygw.tasks"
	ExchangeDLQ   Exchange = "aiygw.dlq"
)

// Queues — имена очередей.
const (
	// QueueTasksPending — новые tasks на выполнение. Потребитель: движок.
	QueueTasksPending Queue = "tasks.pending"

	// QueueTasksCancel — запросы отмены. Потребитель: движок.
	QueueTasksCancel Queue = "tasks.cancel"

	// QueueTasksFinished — события терминальных статусов.
	// Потребители: внешние системы (биллинг, нотификации).
	QueueTasksFinished Queue = "tasks.finished"

	// QueueDLQTasks — недоставленные сообщения для ручного разбора.
	QueueDLQTasks Queue = "dlq.tasks"
)

// Routing keys.
const (
	RoutingKeyPending  RoutingKey = "pending"
	RoutingKeyCancel   RoutingKey = "cancel"
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyDLQTasks RoutingKey = "tasks"
)

// SetupTopology объявляет обменники, очереди и привязки.
// Идемпотентна: повторный вызов на живом брокере — no-op.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, "direct"},
		{ExchangeDLQ, "direct"},
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

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// tasks.pending — с DLQ: отвергнутое сообщение не должно теряться
		{QueueTasksPending, dlqArgs},

		// tasks.cancel — без DLQ: отмена не-существующего task безвредна
		{QueueTasksCancel, nil},

		// tasks.finished — без DLQ (события завершения)
		{QueueTasksFinished, nil},

		// dlq.tasks — сама DLQ очередь
		{QueueDLQTasks, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueTasksPending, RoutingKeyPending, ExchangeTasks},
		{QueueTasksCancel, RoutingKeyCancel, ExchangeTasks},
		{QueueTasksFinished, RoutingKeyFinished, ExchangeTasks},
		{QueueDLQTasks, RoutingKeyDLQTasks, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  AIYGW RabbitMQ Topology:

    aiygw.tasks (direct)
    ├── tasks.pending [routing: pending]
    │       Consumer: Engine
    │       DLQ: dlq.tasks
    ├── tasks.cancel [routing: cancel]
    │       Consumer: Engine
    └── tasks.finished [routing: finished]
            Consumer: external systems

    aiygw.dlq (direct)
    └── dlq.tasks [routing: tasks]
            Manual processing
  `
}
