package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskPending  MessageType = "task.pending"
	MessageTypeTaskCancel   MessageType = "task.cancel"
	MessageTypeTaskFinished MessageType = "task.finished"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskPendingPayload — payload сообщения о новом task.
type TaskPendingPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskCancelPayload — payload запроса отмены task.
type TaskCancelPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason,omitempty"`
}

// TaskFinishedPayload — payload события терминального статуса.
type TaskFinishedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Status string    `json:"status"` // COMPLETED, FAILED или CANCELLED
	Error  string    `json:"error,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
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

// PublishTaskPending публикует событие о task, ожидающем выполнения.
// Потребитель: движок.
func (p *Publisher) PublishTaskPending(ctx context.Context, taskID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskPending,
		Payload:   TaskPendingPayload{TaskID: taskID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyPending, msg)
}

// PublishTaskCancel публикует запрос отмены task.
// Потребитель: движок.
func (p *Publisher) PublishTaskCancel(ctx context.Context, taskID uuid.UUID, reason string) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskCancel,
		Payload:   TaskCancelPayload{TaskID: taskID, Reason: reason},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyCancel, msg)
}

// PublishTaskFinished публикует событие о терминальном статусе task.
// Потребители: внешние системы.
func (p *Publisher) PublishTaskFinished(ctx context.Context, payload TaskFinishedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskFinished,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyFinished, msg)
}
