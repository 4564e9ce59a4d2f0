package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"anniversary-notifier/pkg/metrics"
	"anniversary-notifier/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) Outcome

type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	logger     *zap.Logger
	tag        string
	workers    int
	// cancel 是 channel.Cancel，测试里可替换
	cancel func(consumer string, noWait bool) error

	// retry / dlq republishing uses its own confirm-mode channel
	pubMu sync.Mutex
	pubCh *amqp091.Channel
}

// NewConsumer creates a consumer for routingKey on queueName, declaring the
// queue, its retry queue and its dead-letter queue.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := DeclareTopology(ch, queueName, routingKey)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		pubCh.Close()
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
		tag:        fmt.Sprintf("%s-%d", queueName, time.Now().UnixNano()),
		workers:    1,
		cancel:     ch.Cancel,
		pubCh:      pubCh,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetConcurrency sets the number of handler goroutines and the broker prefetch.
func (c *Consumer) SetConcurrency(workers, prefetch int) error {
	if workers < 1 {
		workers = 1
	}
	if prefetch < workers {
		prefetch = workers
	}
	c.workers = workers
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	return nil
}

// Stop cancels the broker subscription so no new deliveries arrive; in-flight
// messages finish. StartConsuming calls it when its context ends.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	if err := c.cancel(c.tag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
		return
	}
	c.logger.Info("Consumer subscription cancelled", zap.String("queue", c.queue.Name))
}

// stopWhenDone arranges for Stop to run once ctx ends. The returned func
// undoes it if ctx is still live.
func (c *Consumer) stopWhenDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, c.Stop)
}

func (c *Consumer) Close() {
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is done or the subscription is cancelled,
// dispatching deliveries to the configured number of workers.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	release := c.stopWhenDone(ctx)
	defer release()

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("workers", c.workers),
	)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					c.dispatch(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()

	c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
	return nil
}

// dispatch guarantees every delivery is acked, republished or nacked.
func (c *Consumer) dispatch(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	if traceID, ok := msg.Headers["trace_id"].(string); ok {
		ctx = trace.WithContext(ctx, traceID)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			// Panic → 拒绝消息并重新入队
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	outcome := c.handler(ctx, msg.Body)
	c.settle(ctx, msg, outcome)
	metrics.RecordMQConsumeLatency(c.queue.Name, outcome.Action.String(), time.Since(start))
}

func (c *Consumer) settle(ctx context.Context, msg amqp091.Delivery, outcome Outcome) {
	switch outcome.Action {
	case ActionAck:
		if err := msg.Ack(false); err != nil {
			c.logger.Error("Failed to ack message", zap.String("queue", c.queue.Name), zap.Error(err))
		}
		return

	case ActionRetry:
		if outcome.Delay <= 0 {
			c.requeue(msg, "immediate retry")
			return
		}
		if err := c.republishDelayed(ctx, msg, outcome); err != nil {
			c.logger.Error("Failed to schedule delayed retry, requeueing",
				zap.String("queue", c.queue.Name),
				zap.Error(err),
			)
			c.requeue(msg, "delayed retry unavailable")
			return
		}

	case ActionDeadLetter:
		if err := c.republishDLQ(ctx, msg, outcome.Reason); err != nil {
			c.logger.Error("Failed to dead-letter message, requeueing",
				zap.String("queue", c.queue.Name),
				zap.Error(err),
			)
			c.requeue(msg, "dlq unavailable")
			return
		}
		c.logger.Warn("Message dead-lettered",
			zap.String("queue", c.queue.Name),
			zap.String("reason", outcome.Reason),
		)
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack republished message", zap.String("queue", c.queue.Name), zap.Error(err))
	}
}

func (c *Consumer) requeue(msg amqp091.Delivery, why string) {
	if err := msg.Nack(false, true); err != nil {
		c.logger.Error("Failed to nack message",
			zap.String("queue", c.queue.Name),
			zap.String("why", why),
			zap.Error(err),
		)
	}
}

func (c *Consumer) republishDelayed(ctx context.Context, msg amqp091.Delivery, outcome Outcome) error {
	headers := copyHeaders(msg.Headers)
	headers["x-retry-reason"] = outcome.Reason
	headers["x-retry-delay-ms"] = outcome.Delay.Milliseconds()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	dc, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		RetryExchangeName,
		retryQueueName(c.queue.Name, retryTier(outcome.Delay)),
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
	if err != nil {
		return err
	}
	return waitConfirm(ctx, dc)
}

func (c *Consumer) republishDLQ(ctx context.Context, msg amqp091.Delivery, reason string) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	dc, err := publishToDLQ(ctx, c.pubCh, msg, reason, c.queue.Name)
	if err != nil {
		return err
	}
	return waitConfirm(ctx, dc)
}

func waitConfirm(ctx context.Context, dc *amqp091.DeferredConfirmation) error {
	if dc == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}
