// Package messaging carries the deferred turn commit through RabbitMQ.
//
// A turn's generation results are not persisted by the HTTP request that
// produced them: the orchestrator publishes a commit task and replies, and the
// consumer applies the task later. Delivery is at-least-once, so the payload
// carries everything needed to detect and drop stale or duplicate deliveries.
package messaging

import (
	"time"

	"saga-server/internal/models"

	"github.com/google/uuid"
)

// TurnCommitPayload is one deferred commit task. LockEpoch fences the task to
// the lock hold that produced it; ExpectedOrder is the order the new scene
// must receive, which makes redeliveries idempotent.
type TurnCommitPayload struct {
	TaskID        string                `json:"task_id"`
	UserID        uuid.UUID             `json:"user_id"`
	SessionID     int64                 `json:"session_id"`
	LockEpoch     int64                 `json:"lock_epoch"`
	ExpectedOrder int                   `json:"expected_order"`
	Action        string                `json:"action"`
	Scene         models.GeneratedScene `json:"scene"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
}
