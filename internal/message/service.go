// ABOUTME: Message service owning the per-conversation append-only log
// ABOUTME: Persists first, then fans out to subscribers in append order

package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradepost/chatcore/internal/pubsub"
	"github.com/tradepost/chatcore/internal/store"
)

// ErrNotParticipant is returned when a sender or receiver is not part of
// the target conversation.
var ErrNotParticipant = errors.New("user is not a participant of this conversation")

// MessageStore defines what the service needs from storage
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	GetMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	MarkSeen(ctx context.Context, conversationID, readerID string) ([]*store.Message, error)
	UnseenCount(ctx context.Context, conversationID, userID string) (int, error)
}

// SummaryNotifier receives the updated conversation after every append so
// inbox subscribers see fresh last-message summaries.
type SummaryNotifier interface {
	NotifyUpdated(conv *store.Conversation)
}

// Service is the message layer: append, subscribe, seen-state. All writes
// go through the store before any subscriber sees them; the log is the
// source of truth, not a side effect.
type Service struct {
	store    MessageStore
	notifier SummaryNotifier
	broker   *pubsub.Broker[*store.Message]
	logger   *slog.Logger

	// Per-conversation locks held across commit+publish so subscribers
	// receive appends in seq order.
	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

// New creates a message service. notifier may be nil when no inbox
// summaries are needed (tests).
func New(st MessageStore, notifier SummaryNotifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "message")
	return &Service{
		store:     st,
		notifier:  notifier,
		broker:    pubsub.NewBroker[*store.Message](logger),
		logger:    logger,
		convLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) conversationLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.convLocks[conversationID] = l
	}
	return l
}

// Append records a message and delivers it to every active subscriber of
// the conversation, in append order. The server assigns the timestamp;
// client clocks are never trusted. Returns store.ErrNotFound for unknown
// conversations and ErrNotParticipant when sender or receiver do not
// belong to it.
func (s *Service) Append(ctx context.Context, conversationID, senderID, receiverID, body string) (*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) || !conv.HasParticipant(receiverID) || senderID == receiverID {
		return nil, ErrNotParticipant
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		SentAt:         time.Now(),
		Seen:           false,
	}
	// Commit and publish under the conversation lock: without it two
	// concurrent appends can publish in the opposite order of their seqs
	// and a subscriber would discard the earlier one as already replayed.
	lock := s.conversationLock(conversationID)
	lock.Lock()
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("append failed: %w", err)
	}
	s.broker.Publish(conversationID, msg)
	lock.Unlock()

	s.logger.Debug("message appended",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"seq", msg.Seq)

	if s.notifier != nil {
		conv.LastMessage = msg.Body
		conv.LastUpdated = msg.SentAt
		s.notifier.NotifyUpdated(conv)
	}

	return msg, nil
}

// Subscribe streams a conversation's messages: the full existing log in
// append order, then every new append, until ctx is cancelled. No
// subscriber observes message N+1 before N; replay and live delivery are
// stitched by sequence number so there are no gaps and no duplicate
// appends. Seen-state updates re-deliver the affected messages (same seq,
// seen=true) so readers can render receipts.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (<-chan *store.Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	// Attach before replaying: anything appended during the replay is
	// buffered on the subscription channel and deduplicated by seq below.
	live, subID := s.broker.Subscribe(ctx, conversationID)

	history, err := s.store.GetMessages(ctx, conversationID)
	if err != nil {
		s.broker.Unsubscribe(conversationID, subID)
		return nil, fmt.Errorf("replaying messages: %w", err)
	}

	out := make(chan *store.Message, len(history)+16)
	go func() {
		defer close(out)

		send := func(msg *store.Message) bool {
			select {
			case out <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var maxSeq int64
		for _, msg := range history {
			if !send(msg) {
				return
			}
			maxSeq = msg.Seq
		}

		// Events that arrived ahead of an undelivered predecessor, held
		// until the gap fills.
		pending := make(map[int64]*store.Message)

		for {
			select {
			case msg, ok := <-live:
				if !ok {
					return
				}
				switch {
				case msg.Seq <= maxSeq:
					if !msg.Seen {
						// Duplicate of a replayed append
						continue
					}
					// Seen-state update for an already-delivered message
					if !send(msg) {
						return
					}
				case msg.Seq == maxSeq+1:
					if !send(msg) {
						return
					}
					maxSeq++
					for next, held := pending[maxSeq+1]; held; next, held = pending[maxSeq+1] {
						delete(pending, maxSeq+1)
						if !send(next) {
							return
						}
						maxSeq++
					}
				default:
					pending[msg.Seq] = msg
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// MarkSeen flips every unseen message addressed to readerID in the
// conversation to seen and pushes the updated messages to subscribers.
// Idempotent; the reader's own sent messages are never affected.
func (s *Service) MarkSeen(ctx context.Context, conversationID, readerID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	// Same lock as Append: a seen-state flip must not be published while
	// an append sits between its commit and its publish.
	lock := s.conversationLock(conversationID)
	lock.Lock()
	updated, err := s.store.MarkSeen(ctx, conversationID, readerID)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("mark seen failed: %w", err)
	}
	for _, msg := range updated {
		s.broker.Publish(conversationID, msg)
	}
	lock.Unlock()
	// Nudge inbox subscribers so unread badges refresh
	if len(updated) > 0 && s.notifier != nil {
		s.notifier.NotifyUpdated(conv)
	}
	return nil
}

// UnseenCount returns the number of unseen messages addressed to userID.
func (s *Service) UnseenCount(ctx context.Context, conversationID, userID string) (int, error) {
	return s.store.UnseenCount(ctx, conversationID, userID)
}

// Close shuts down the message broker.
func (s *Service) Close() {
	s.broker.Close()
}
