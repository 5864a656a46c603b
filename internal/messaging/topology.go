package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SetupDeadLetterTopology declares the dead letter exchange, the dead letter
// queue, and the binding between them. Run once at startup before any
// publisher or consumer attaches.
func SetupDeadLetterTopology(conn *amqp.Connection, dlx, dlqName, routingKey string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel for DLQ topology: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		dlx,      // name
		"direct", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare DLX '%s': %w", dlx, err)
	}

	if _, err := ch.QueueDeclare(
		dlqName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare DLQ '%s': %w", dlqName, err)
	}

	if err := ch.QueueBind(dlqName, routingKey, dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ '%s' to DLX '%s': %w", dlqName, dlx, err)
	}
	return nil
}
