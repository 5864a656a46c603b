package messaging

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dlqReconnectDelay = 5 * time.Second

// DLQConsumer drains the dead letter queue of failed turn commits. A task
// lands here only after the commit handler gave up, which leaves the session
// locked; each message is surfaced as an operator alert in the log together
// with the session ID needed for manual repair.
type DLQConsumer struct {
	conn         *amqp.Connection
	queueName    string
	shutdownChan chan struct{}
	logger       *zap.Logger
}

func NewDLQConsumer(conn *amqp.Connection, queueName string, logger *zap.Logger) *DLQConsumer {
	return &DLQConsumer{
		conn:         conn,
		queueName:    queueName,
		shutdownChan: make(chan struct{}),
		logger:       logger.Named("DLQConsumer"),
	}
}

// Run consumes the DLQ until Shutdown, reconnecting after channel failures.
func (c *DLQConsumer) Run() {
	for {
		select {
		case <-c.shutdownChan:
			c.logger.Info("DLQ consumer stopped")
			return
		default:
		}

		if err := c.consume(); err != nil {
			c.logger.Error("DLQ consume loop failed, reconnecting",
				zap.Duration("delay", dlqReconnectDelay),
				zap.Error(err))
		}

		select {
		case <-c.shutdownChan:
			c.logger.Info("DLQ consumer stopped")
			return
		case <-time.After(dlqReconnectDelay):
		}
	}
}

func (c *DLQConsumer) consume() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// The DLQ is declared and bound by the topology setup at startup; a
	// passive declare fails fast on misconfiguration instead of silently
	// creating an unbound queue.
	q, err := ch.QueueDeclarePassive(c.queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	msgs, err := ch.Consume(
		q.Name,
		"turn-commit-dlq-consumer", // consumer tag
		false,                      // auto-ack
		false,                      // exclusive
		false,                      // no-local
		false,                      // no-wait
		nil,
	)
	if err != nil {
		return err
	}
	c.logger.Info("DLQ consumer started", zap.String("queue", q.Name))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("DLQ delivery channel closed")
				return nil
			}
			c.report(d)
			_ = d.Ack(false)
		case <-c.shutdownChan:
			return nil
		}
	}
}

func (c *DLQConsumer) report(d amqp.Delivery) {
	turnCommitFailures.Inc()

	var payload TurnCommitPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.logger.Error("ALERT: unparseable turn commit task dead-lettered",
			zap.Uint64("deliveryTag", d.DeliveryTag),
			zap.Error(err))
		return
	}

	c.logger.Error("ALERT: turn commit dead-lettered, session requires manual unlock",
		zap.String("taskID", payload.TaskID),
		zap.Int64("sessionID", payload.SessionID),
		zap.String("userID", payload.UserID.String()),
		zap.Int64("lockEpoch", payload.LockEpoch),
		zap.Int("expectedOrder", payload.ExpectedOrder),
		zap.Time("enqueuedAt", payload.EnqueuedAt))
}

// Shutdown signals the consumer to exit.
func (c *DLQConsumer) Shutdown() {
	close(c.shutdownChan)
}
