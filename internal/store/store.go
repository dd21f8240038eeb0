// Package store is the datastore collaborator for the communication core:
// conversations, the message log, participant profiles, and a row-level
// change feed that delivers insert/update events to subscribers as they occur.
package store

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("comms/store")

// Conversation identifies the pair of participants and, optionally, the job
// posting that contextualizes the chat. Created on first contact; never
// deleted by this core.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantA   string    `json:"participant_a"`
	ParticipantB   string    `json:"participant_b"`
	JobID          string    `json:"job_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Other returns the counterpart of userID in the conversation.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is one row of the message log. ReadAt is only ever set by the
// recipient, only after DeliveredAt, and is never cleared once set.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// ChangeKind discriminates change-feed events.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is one row-level event on the messages table.
type Change struct {
	Kind    ChangeKind
	Message *Message
}

// Store is the datastore contract the core depends on. Implementations must
// deliver change events to each subscriber in write order; delivery is
// at-least-once, so consumers must tolerate duplicates.
type Store interface {
	// EnsureConversation returns the conversation between a and b, creating it
	// on first contact. jobID is recorded only at creation.
	EnsureConversation(ctx context.Context, a, b, jobID string) (*Conversation, error)

	// Conversations lists the conversations userID participates in, most
	// recently active first.
	Conversations(ctx context.Context, userID string) ([]*Conversation, error)

	// TouchConversation bumps the conversation's last-activity timestamp.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// InsertMessage persists m, assigning CreatedAt, and emits an insert event.
	InsertMessage(ctx context.Context, m *Message) (*Message, error)

	// Messages returns the full transcript of a conversation, ascending by
	// creation time.
	Messages(ctx context.Context, conversationID string) ([]*Message, error)

	// MarkRead stamps ReadAt on every message in the conversation that was not
	// sent by readerID and is not yet read. One update event is emitted per
	// affected row. Returns the updated rows.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]*Message, error)

	// UnreadCounts returns, per conversation, the number of messages addressed
	// to userID that have no ReadAt.
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)

	// UpsertProfile records a display name for a user.
	UpsertProfile(ctx context.Context, userID, displayName string) error

	// DisplayName resolves a user's display name; returns userID itself when
	// no profile exists.
	DisplayName(ctx context.Context, userID string) (string, error)

	// SubscribeChanges registers fn for message-row events of the given kinds.
	// Events are delivered on a dedicated goroutine per subscriber, in write
	// order. The returned cancel releases the subscription.
	SubscribeChanges(kinds []ChangeKind, fn func(Change)) (cancel func())

	Close() error
}
