package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"saga-server/internal/messaging"
	"saga-server/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

const (
	testCommitQueue = "test_turn_commit_tasks"
	testCommitDLX   = "test_turn_commit_tasks_dlx"
	testCommitDLQ   = "test_turn_commit_tasks_dlq"
	testDLQKey      = "dlq"
)

// recordingHandler forwards successful commits to a channel; when failErr is
// set every delivery is rejected so it dead-letters.
type recordingHandler struct {
	failErr  error
	received chan messaging.TurnCommitPayload
}

func (h *recordingHandler) HandleTurnCommit(_ context.Context, payload messaging.TurnCommitPayload) error {
	if h.failErr != nil {
		return h.failErr
	}
	h.received <- payload
	return nil
}

type ConsumerSuite struct {
	suite.Suite
	ctx          context.Context
	rmqContainer *rabbitmq.RabbitMQContainer
	conn         *amqp.Connection
	publisher    messaging.TurnCommitPublisher
}

func (s *ConsumerSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.rmqContainer, err = rabbitmq.Run(s.ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete"),
		),
	)
	require.NoError(s.T(), err, "Failed to start rabbitmq container")

	amqpURL, err := s.rmqContainer.AmqpURL(s.ctx)
	require.NoError(s.T(), err)

	s.conn, err = amqp.Dial(amqpURL)
	require.NoError(s.T(), err, "Failed to connect to test rabbitmq")

	require.NoError(s.T(), messaging.SetupDeadLetterTopology(s.conn, testCommitDLX, testCommitDLQ, testDLQKey))

	s.publisher, err = messaging.NewRabbitMQTurnCommitPublisher(s.conn, testCommitQueue, testCommitDLX, testDLQKey, zap.NewNop())
	require.NoError(s.T(), err)
}

func (s *ConsumerSuite) TearDownSuite() {
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.rmqContainer != nil {
		require.NoError(s.T(), s.rmqContainer.Terminate(s.ctx))
	}
}

func (s *ConsumerSuite) startConsumer(handler *recordingHandler) *messaging.TurnCommitConsumer {
	consumer := messaging.NewTurnCommitConsumer(s.conn, handler, testCommitQueue, testCommitDLX, testDLQKey, zap.NewNop())
	go func() {
		_ = consumer.StartConsuming(s.ctx)
	}()
	return consumer
}

func commitPayload() messaging.TurnCommitPayload {
	return messaging.TurnCommitPayload{
		TaskID:        uuid.NewString(),
		UserID:        uuid.New(),
		SessionID:     7,
		LockEpoch:     2,
		ExpectedOrder: 1,
		Action:        "light the beacon",
		Scene: models.GeneratedScene{
			Event:           "the oil is nearly gone",
			Narration:       "The flame gutters and holds.",
			ProposedActions: []string{"fetch oil", "wait"},
		},
		EnqueuedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestConsumerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) TestDeliversCommitToHandler() {
	t := s.T()
	handler := &recordingHandler{received: make(chan messaging.TurnCommitPayload, 1)}
	consumer := s.startConsumer(handler)
	defer consumer.Stop()

	payload := commitPayload()
	require.NoError(t, s.publisher.PublishTurnCommit(s.ctx, payload))

	select {
	case got := <-handler.received:
		require.Equal(t, payload.TaskID, got.TaskID)
		require.Equal(t, payload.Scene, got.Scene)
	case <-time.After(15 * time.Second):
		t.Fatal("commit was never delivered to the handler")
	}
}

func (s *ConsumerSuite) TestFailedCommitDeadLetters() {
	t := s.T()
	handler := &recordingHandler{failErr: errors.New("append failed"), received: make(chan messaging.TurnCommitPayload, 1)}
	consumer := s.startConsumer(handler)
	defer consumer.Stop()

	payload := commitPayload()
	require.NoError(t, s.publisher.PublishTurnCommit(s.ctx, payload))

	ch, err := s.conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool {
		d, ok, err := ch.Get(testCommitDLQ, true)
		if err != nil || !ok {
			return false
		}
		return string(d.Body) != "" && d.Exchange == testCommitDLX
	}, 15*time.Second, 200*time.Millisecond, "rejected commit never reached the DLQ")
}

// A broker-side queue loss (restart, forced delete) closes the delivery
// channel; the consumer must come back and keep applying commits, because a
// commit that is never applied leaves its session locked.
func (s *ConsumerSuite) TestReconnectsAfterDeliveryChannelLoss() {
	t := s.T()
	handler := &recordingHandler{received: make(chan messaging.TurnCommitPayload, 2)}
	consumer := s.startConsumer(handler)
	defer consumer.Stop()

	first := commitPayload()
	require.NoError(t, s.publisher.PublishTurnCommit(s.ctx, first))
	select {
	case <-handler.received:
	case <-time.After(15 * time.Second):
		t.Fatal("commit was never delivered before the queue loss")
	}

	adminCh, err := s.conn.Channel()
	require.NoError(t, err)
	_, err = adminCh.QueueDelete(testCommitQueue, false, false, false)
	require.NoError(t, err)
	_ = adminCh.Close()

	// The consumer redeclares the queue when its reconnect loop comes back.
	require.Eventually(t, func() bool {
		probeCh, err := s.conn.Channel()
		if err != nil {
			return false
		}
		defer probeCh.Close()
		_, err = probeCh.QueueDeclarePassive(testCommitQueue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    testCommitDLX,
			"x-dead-letter-routing-key": testDLQKey,
		})
		return err == nil
	}, 30*time.Second, 500*time.Millisecond, "queue was never redeclared after deletion")

	second := commitPayload()
	require.NoError(t, s.publisher.PublishTurnCommit(s.ctx, second))

	select {
	case got := <-handler.received:
		require.Equal(t, second.TaskID, got.TaskID)
	case <-time.After(30 * time.Second):
		t.Fatal("commit was never delivered after the reconnect")
	}
}
