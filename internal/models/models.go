package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account identity. Identity is immutable after signup and users
// are never physically deleted.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// GameSession is one played-through story instance. The cover URL and its
// expiry are a derived cache over CoverImagePath, not authoritative data.
// IsLocked together with LockEpoch implements the turn-advancement lock:
// at most one in-flight turn per session, guarded by a fencing epoch that is
// bumped on every successful acquire.
type GameSession struct {
	ID                     int64      `json:"id" db:"id"`
	UserID                 uuid.UUID  `json:"user_id" db:"user_id"`
	Name                   string     `json:"name" db:"name"`
	Backstory              string     `json:"-" db:"backstory"`
	Description            string     `json:"description" db:"description"`
	CoverImagePath         string     `json:"-" db:"cover_image_path"`
	CoverImageURL          *string    `json:"cover_image_url,omitempty" db:"cover_image_url"`
	CoverImageURLExpiresAt *time.Time `json:"-" db:"cover_image_url_expires_at"`
	IsLocked               bool       `json:"is_locked" db:"is_locked"`
	LockEpoch              int64      `json:"-" db:"lock_epoch"`
	ParentTemplateID       *int64     `json:"parent_template_id,omitempty" db:"parent_template_id"`
	Deleted                bool       `json:"-" db:"deleted"`
	DeletedAt              *time.Time `json:"-" db:"deleted_at"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// Scene is one turn's record. Action stays NULL while the scene is the open
// tail and is set, together with ActionAt, the instant the next scene is
// appended. Event is the oracle event: a player-invisible description of what
// truly happened, used only as generation context.
type Scene struct {
	ID                int64      `json:"id" db:"id"`
	SessionID         int64      `json:"session_id" db:"session_id"`
	OrderInSession    int        `json:"order_in_session" db:"order_in_session"`
	Narration         string     `json:"narration" db:"narration"`
	Event             string     `json:"-" db:"event"`
	ImagePath         string     `json:"-" db:"image_path"`
	ImageURL          *string    `json:"image_url,omitempty" db:"image_url"`
	ImageURLExpiresAt *time.Time `json:"-" db:"image_url_expires_at"`
	ProposedActions   []string   `json:"proposed_actions" db:"proposed_actions"`
	Action            *string    `json:"action" db:"action"`
	ActionAt          *time.Time `json:"action_at,omitempty" db:"action_at"`
	Deleted           bool       `json:"-" db:"deleted"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// SessionTemplate is a published backstory other users can fork sessions from.
type SessionTemplate struct {
	ID                     int64      `json:"id" db:"id"`
	Name                   string     `json:"name" db:"name"`
	Backstory              string     `json:"-" db:"backstory"`
	Description            string     `json:"description" db:"description"`
	CoverImagePath         string     `json:"-" db:"cover_image_path"`
	CoverImageURL          *string    `json:"cover_image_url,omitempty" db:"cover_image_url"`
	CoverImageURLExpiresAt *time.Time `json:"-" db:"cover_image_url_expires_at"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
}

// SceneView is the client-facing projection of a Scene with a fresh signed
// image URL and without the oracle event.
type SceneView struct {
	OrderInSession  int        `json:"order_in_session"`
	Narration       string     `json:"narration"`
	ImageURL        string     `json:"image_url"`
	ProposedActions []string   `json:"proposed_actions"`
	Action          *string    `json:"action"`
	ActionAt        *time.Time `json:"action_at,omitempty"`
}

// GeneratedScene is the output of one turn's generation pipeline, produced by
// the orchestrator and persisted later by the deferred commit handler.
type GeneratedScene struct {
	Event           string   `json:"event"`
	Narration       string   `json:"narration"`
	ImagePath       string   `json:"image_path"`
	ProposedActions []string `json:"proposed_actions"`
}

// TurnResult is what a successful turn request returns to the caller:
// generation succeeded and the commit is scheduled, not yet persisted.
type TurnResult struct {
	SessionID       int64    `json:"session_id"`
	Narration       string   `json:"narration"`
	ImageURL        string   `json:"image_url,omitempty"`
	ProposedActions []string `json:"proposed_actions"`
	Scheduled       bool     `json:"scheduled"`
}
