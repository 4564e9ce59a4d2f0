package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		DLQExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares the dead letter queue of queueName.
func DeclareDLQQueue(ch *amqp091.Channel, queueName, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		queueName+".dlq",
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

func publishToDLQ(ctx context.Context, ch *amqp091.Channel, msg amqp091.Delivery, reason, source string) (*amqp091.DeferredConfirmation, error) {
	headers := copyHeaders(msg.Headers)
	headers["x-original-error"] = reason
	headers["x-failed-at"] = source
	headers["x-dead-lettered-at"] = time.Now().UTC().Format(time.RFC3339)

	return ch.PublishWithDeferredConfirmWithContext(ctx,
		DLQExchangeName,
		msg.RoutingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
}

func copyHeaders(in amqp091.Table) amqp091.Table {
	out := make(amqp091.Table, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
