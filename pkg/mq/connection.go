package mq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName      = "events"
	RetryExchangeName = "events.retry"
	DLQExchangeName   = "events.dlq"
)

// RetryTiers are the delays of the retry queues. Each tier is its own queue
// with a queue-level TTL, so every message in a queue expires in arrival
// order. A requested delay is rounded up to the next tier; longer delays use
// the last one.
var RetryTiers = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	4 * time.Minute,
	8 * time.Minute,
	16 * time.Minute,
	32 * time.Minute,
	time.Hour,
}

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic", // topic exchange 支持 routing key 模式匹配
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,
	)
}

// DeclareTopology declares the work queue for routingKey together with its
// delayed-retry queues and dead-letter queue.
//
// A retried message is published to the retry exchange, routed to the queue of
// its tier; once the tier's TTL expires RabbitMQ dead-letters it back onto the
// events exchange with the original routing key.
func DeclareTopology(ch *amqp091.Channel, queueName, routingKey string) (amqp091.Queue, error) {
	if err := DeclareExchange(ch); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(RetryExchangeName, "direct", true, false, false, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare retry exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare dlq exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind queue: %w", err)
	}

	for _, tier := range RetryTiers {
		name := retryQueueName(queueName, tier)
		retryQ, err := ch.QueueDeclare(name, true, false, false, false, retryQueueArgs(routingKey, tier))
		if err != nil {
			return amqp091.Queue{}, fmt.Errorf("failed to declare retry queue %s: %w", name, err)
		}
		// routing key 就是队列名
		if err := ch.QueueBind(retryQ.Name, retryQ.Name, RetryExchangeName, false, nil); err != nil {
			return amqp091.Queue{}, fmt.Errorf("failed to bind retry queue %s: %w", name, err)
		}
	}

	if _, err := DeclareDLQQueue(ch, queueName, routingKey); err != nil {
		return amqp091.Queue{}, err
	}
	return q, nil
}

func retryQueueArgs(routingKey string, tier time.Duration) amqp091.Table {
	return amqp091.Table{
		"x-message-ttl":             tier.Milliseconds(),
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": routingKey,
	}
}

// retryTier returns the smallest tier not shorter than delay.
func retryTier(delay time.Duration) time.Duration {
	for _, tier := range RetryTiers {
		if delay <= tier {
			return tier
		}
	}
	return RetryTiers[len(RetryTiers)-1]
}

func retryQueueName(queueName string, tier time.Duration) string {
	return queueName + ".retry." + strconv.FormatInt(int64(tier/time.Second), 10) + "s"
}
