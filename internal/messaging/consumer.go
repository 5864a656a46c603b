package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerReconnectDelay = 5 * time.Second

// TurnCommitHandler applies one deferred commit task. A nil return means the
// delivery is settled, including the case where the handler decided to drop a
// stale task; a non-nil return dead-letters the delivery.
type TurnCommitHandler interface {
	HandleTurnCommit(ctx context.Context, payload TurnCommitPayload) error
}

// TurnCommitConsumer feeds commit deliveries to the handler one at a time.
// Deliveries are acked only after the handler returns nil, so a crash mid
// commit redelivers the task (at-least-once).
type TurnCommitConsumer struct {
	conn          *amqp.Connection
	handler       TurnCommitHandler
	queueName     string
	dlx           string
	dlqRoutingKey string
	stopChannel   chan struct{}
	logger        *zap.Logger
}

func NewTurnCommitConsumer(conn *amqp.Connection, handler TurnCommitHandler, queueName, dlx, dlqRoutingKey string, logger *zap.Logger) *TurnCommitConsumer {
	return &TurnCommitConsumer{
		conn:          conn,
		handler:       handler,
		queueName:     queueName,
		dlx:           dlx,
		dlqRoutingKey: dlqRoutingKey,
		stopChannel:   make(chan struct{}),
		logger:        logger.Named("TurnCommitConsumer"),
	}
}

// StartConsuming processes commit deliveries until Stop is called or the
// context is cancelled, reopening the channel after broker failures. Commits
// keep sessions locked until applied, so the consumer must outlive any single
// AMQP channel.
func (c *TurnCommitConsumer) StartConsuming(ctx context.Context) error {
	for {
		if err := c.consume(ctx); err != nil {
			c.logger.Error("Consume loop failed, reconnecting",
				zap.Duration("delay", consumerReconnectDelay),
				zap.Error(err))
		}

		select {
		case <-c.stopChannel:
			c.logger.Info("Consumer stopped")
			return nil
		case <-ctx.Done():
			c.logger.Info("Consumer context cancelled")
			return ctx.Err()
		case <-time.After(consumerReconnectDelay):
		}
	}
}

// consume declares the queue and its dead letter topology, then blocks
// processing deliveries until the delivery channel closes or the consumer is
// stopped.
func (c *TurnCommitConsumer) consume(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer: failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		c.dlx,    // name
		"direct", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("consumer: failed to declare DLX '%s': %w", c.dlx, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    c.dlx,
		"x-dead-letter-routing-key": c.dlqRoutingKey,
	}
	q, err := ch.QueueDeclare(
		c.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return fmt.Errorf("consumer: failed to declare queue '%s': %w", c.queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("consumer: failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"turn-commit-consumer", // consumer tag
		false,                  // auto-ack
		false,                  // exclusive
		false,                  // no-local
		false,                  // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consumer: failed to register consumer: %w", err)
	}
	c.logger.Info("Consumer started", zap.String("queue", q.Name))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer: delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		case <-c.stopChannel:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *TurnCommitConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var payload TurnCommitPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.logger.Error("Failed to deserialize turn commit delivery, dead-lettering",
			zap.Uint64("deliveryTag", d.DeliveryTag),
			zap.Error(err))
		turnCommitsProcessed.WithLabelValues("invalid_payload").Inc()
		_ = d.Nack(false, false)
		return
	}

	if err := c.handler.HandleTurnCommit(ctx, payload); err != nil {
		// The session stays locked; the task goes to the DLQ for the
		// stuck-session alert path.
		c.logger.Error("Turn commit failed, dead-lettering",
			zap.String("taskID", payload.TaskID),
			zap.Int64("sessionID", payload.SessionID),
			zap.Int64("lockEpoch", payload.LockEpoch),
			zap.Error(err))
		turnCommitsProcessed.WithLabelValues("failed").Inc()
		_ = d.Nack(false, false)
		return
	}

	turnCommitsProcessed.WithLabelValues("success").Inc()
	_ = d.Ack(false)
}

// Stop signals the consume loop to exit.
func (c *TurnCommitConsumer) Stop() {
	close(c.stopChannel)
}
