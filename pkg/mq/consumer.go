package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"projectplanner/pkg/metrics"
	"projectplanner/pkg/trace"
	"projectplanner/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	exchange   string
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger

	// 可选：不可重试或超过重试上限的消息写入 DLQ
	dlq        *Publisher
	retries    *util.RetryCounter
	maxRetries int64
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, exchange, queueName, routingKey string, prefetch int, logger *zap.Logger) (*Consumer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(format string, err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf(format, err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		return fail("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch, exchange); err != nil {
		return fail("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, exchange, routingKey); err != nil {
		return fail("failed to declare dlq queue: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fail("failed to set qos: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fail("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return fail("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetDeadLetter 设置 DLQ 发布者
func (c *Consumer) SetDeadLetter(p *Publisher) {
	c.dlq = p
}

// SetRetryLimit 使用 Redis 计数限制可重试错误的重新入队次数
func (c *Consumer) SetRetryLimit(counter *util.RetryCounter, maxRetries int64) {
	c.retries = counter
	c.maxRetries = maxRetries
}

func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages until ctx is done. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping", zap.String("queue", c.queue.Name))
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", c.queue.Name)
			}
			c.handle(ctx, msg)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	traceID, _ := msg.Headers[TraceHeader].(string)
	if traceID == "" {
		traceID = msg.MessageId
	}
	ctx, traceID = trace.Ensure(trace.WithContext(ctx, traceID))
	logger := c.logger.With(zap.String("trace_id", traceID), zap.String("routing_key", c.routingKey))

	logger.Debug("Received message", zap.Int("message_size", len(msg.Body)))

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panic recovered", zap.Any("panic", r))
			c.deadLetter(ctx, logger, msg, fmt.Errorf("handler panic: %v", r), "panic")
		}
	}()

	err := c.handler(ctx, msg.Body)
	if err == nil {
		if err := msg.Ack(false); err != nil {
			logger.Error("Failed to ack message", zap.Error(err))
		}
		c.resetRetries(ctx, msg)
		return
	}

	retryable, errType := util.IsRetryableError(err)
	logger.Error("Handler error",
		zap.String("queue", c.queue.Name),
		zap.Bool("retryable", retryable),
		zap.String("error_type", errType),
		zap.Error(err),
	)

	if retryable && c.allowRetry(ctx, logger, msg) {
		// 可重试 → 重新入队
		if err := msg.Nack(false, true); err != nil {
			logger.Error("Failed to nack message", zap.Error(err))
		}
		return
	}
	c.deadLetter(ctx, logger, msg, err, errType)
}

func (c *Consumer) allowRetry(ctx context.Context, logger *zap.Logger, msg amqp091.Delivery) bool {
	if c.retries == nil || msg.MessageId == "" {
		return true
	}
	count, err := c.retries.IncrementAndGet(ctx, util.FormatRetryKey(c.queue.Name, msg.MessageId))
	if err != nil {
		// Redis 不可用时允许重试
		logger.Warn("Retry counter unavailable, requeueing", zap.Error(err))
		return true
	}
	logger.Info("Retry count", zap.Int64("retry", count))
	return util.ShouldRetry(count, c.maxRetries, true)
}

func (c *Consumer) resetRetries(ctx context.Context, msg amqp091.Delivery) {
	if c.retries == nil || msg.MessageId == "" {
		return
	}
	_ = c.retries.Reset(ctx, util.FormatRetryKey(c.queue.Name, msg.MessageId))
}

// deadLetter 写入 DLQ 后 ack；没有 DLQ 时直接丢弃（不重新入队，避免毒消息循环）
func (c *Consumer) deadLetter(ctx context.Context, logger *zap.Logger, msg amqp091.Delivery, cause error, errType string) {
	if c.dlq != nil {
		if err := c.dlq.PublishToDLQ(ctx, c.routingKey, msg.Body, cause.Error(), errType); err != nil {
			logger.Error("Failed to publish to DLQ, requeueing", zap.Error(err))
			if err := msg.Nack(false, true); err != nil {
				logger.Error("Failed to nack message", zap.Error(err))
			}
			return
		}
		logger.Warn("Message sent to DLQ", zap.String("error_type", errType))
	}
	if err := msg.Nack(false, false); err != nil {
		logger.Error("Failed to nack message", zap.Error(err))
	}
}
