package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TurnCommitPublisher enqueues deferred commit tasks.
type TurnCommitPublisher interface {
	PublishTurnCommit(ctx context.Context, payload TurnCommitPayload) error
	Close() error
}

type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

var _ TurnCommitPublisher = (*rabbitMQPublisher)(nil)

// NewRabbitMQTurnCommitPublisher opens a channel and declares the commit queue
// with its dead letter exchange. The publisher declares the queue so the
// system tolerates any service start order; the arguments must match the
// consumer's declaration exactly.
func NewRabbitMQTurnCommitPublisher(conn *amqp.Connection, queueName, dlx, dlqRoutingKey string, logger *zap.Logger) (TurnCommitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("turn commit publisher: failed to open channel: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlqRoutingKey,
	}
	if _, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		args,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("turn commit publisher: failed to declare queue '%s': %w", queueName, err)
	}

	return &rabbitMQPublisher{
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("TurnCommitPublisher"),
	}, nil
}

func (p *rabbitMQPublisher) PublishTurnCommit(ctx context.Context, payload TurnCommitPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to serialize turn commit payload",
			zap.String("taskID", payload.TaskID),
			zap.Int64("sessionID", payload.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to serialize turn commit task %s: %w", payload.TaskID, err)
	}

	if err := p.publishMessage(ctx, body); err != nil {
		p.logger.Error("Failed to publish turn commit task",
			zap.String("taskID", payload.TaskID),
			zap.Int64("sessionID", payload.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to publish turn commit task %s: %w", payload.TaskID, err)
	}

	turnCommitsPublished.Inc()
	p.logger.Debug("Turn commit task published",
		zap.String("taskID", payload.TaskID),
		zap.Int64("sessionID", payload.SessionID),
		zap.Int64("lockEpoch", payload.LockEpoch))
	return nil
}

func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			"",          // exchange (default)
			p.queueName, // routing key
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "saga-server",
			},
		)
		if err == nil {
			return nil
		}
		p.logger.Warn("Publish attempt failed",
			zap.Int("attempt", attempt),
			zap.String("queue", p.queueName),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("failed to publish to queue %s after retries: %w", p.queueName, err)
}

func (p *rabbitMQPublisher) Close() error {
	if p.channel == nil {
		return nil
	}
	return p.channel.Close()
}
