// ABOUTME: Store interface and data types for chatcore persistence
// ABOUTME: Defines Conversation, Message, PresenceRecord and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation
// whose (participant pair, product) key already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrStoreUnavailable is returned for transient failures (busy/locked
// database). Callers may retry with backoff.
var ErrStoreUnavailable = errors.New("store temporarily unavailable")

// Presence states. Absence of a record is treated as offline.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Conversation is a thread between exactly two users scoped to one product.
// Participants are stored as a sorted pair (Lo < Hi lexicographically) so the
// (Lo, Hi, ProductID) triple forms the uniqueness key.
type Conversation struct {
	ID            string
	ParticipantLo string
	ParticipantHi string
	ProductID     string
	LastMessage   string
	LastUpdated   time.Time
	CreatedAt     time.Time

	// Display names supplied by the identity collaborator at creation time,
	// opaque to the core. Keyed by sorted-pair position.
	LoDisplayName string
	HiDisplayName string
}

// SortParticipants returns the pair in canonical (lo, hi) order.
func SortParticipants(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether id is one of the two participants.
func (c *Conversation) HasParticipant(id string) bool {
	return id == c.ParticipantLo || id == c.ParticipantHi
}

// Counterpart returns the other participant. Empty string if id is not a
// participant.
func (c *Conversation) Counterpart(id string) string {
	switch id {
	case c.ParticipantLo:
		return c.ParticipantHi
	case c.ParticipantHi:
		return c.ParticipantLo
	}
	return ""
}

// DisplayNameOf returns the stored display name for a participant, falling
// back to the raw id when none was recorded.
func (c *Conversation) DisplayNameOf(id string) string {
	switch id {
	case c.ParticipantLo:
		if c.LoDisplayName != "" {
			return c.LoDisplayName
		}
	case c.ParticipantHi:
		if c.HiDisplayName != "" {
			return c.HiDisplayName
		}
	}
	return id
}

// Message is a single entry in a conversation's append-only log. Seq is
// assigned by the store inside the append transaction and is the sole
// ordering key within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	ReceiverID     string
	Body           string
	SentAt         time.Time
	Seen           bool
}

// PresenceRecord is a user's current online/offline state. One record per
// user, overwritten on every transition.
type PresenceRecord struct {
	UserID      string
	State       string
	LastChanged time.Time
}

// Online reports whether the record marks the user online.
func (p *PresenceRecord) Online() bool {
	return p != nil && p.State == PresenceOnline
}

// Store defines the persistence interface for conversations, messages and
// presence records.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByKey(ctx context.Context, userA, userB, productID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string) ([]*Message, error)
	MarkSeen(ctx context.Context, conversationID, readerID string) ([]*Message, error)
	UnseenCount(ctx context.Context, conversationID, userID string) (int, error)

	// Presence
	GetPresence(ctx context.Context, userID string) (*PresenceRecord, error)
	UpsertPresence(ctx context.Context, rec *PresenceRecord) (bool, error)
	SweepPresenceOffline(ctx context.Context, at time.Time) (int, error)

	Close() error
}
