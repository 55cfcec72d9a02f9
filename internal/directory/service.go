// ABOUTME: ConversationDirectory maps (participant pair, product) to a single conversation
// ABOUTME: Find-or-create is atomic: first successful insert wins, losers re-lookup

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradepost/chatcore/internal/pubsub"
	"github.com/tradepost/chatcore/internal/store"
)

// ErrInvalidParticipants is returned when resolve is called with identical
// or empty participant ids.
var ErrInvalidParticipants = errors.New("participants must be two distinct users")

// ConversationStore defines what the directory needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByKey(ctx context.Context, userA, userB, productID string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error)
}

// Summary is one participant's view of a conversation for list rendering.
// Every push carries the full summary so consumers can re-render idempotently.
type Summary struct {
	ConversationID  string    `json:"conversation_id"`
	ProductID       string    `json:"product_id"`
	SelfID          string    `json:"self_id"`
	CounterpartID   string    `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name"`
	LastMessage     string    `json:"last_message"`
	LastUpdated     time.Time `json:"last_updated"`
}

// ResolveOptions carries optional display names supplied by the identity
// collaborator at the chat entry point. Opaque to the core.
type ResolveOptions struct {
	UserDisplayName        string
	CounterpartDisplayName string
}

// Service is the conversation directory. It enforces at-most-one
// conversation per (participant pair, product) and feeds live summary
// updates to inbox subscribers.
type Service struct {
	store  ConversationStore
	broker *pubsub.Broker[Summary]
	logger *slog.Logger
}

// New creates a directory service
func New(st ConversationStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "directory")
	return &Service{
		store:  st,
		broker: pubsub.NewBroker[Summary](logger),
		logger: logger,
	}
}

// Resolve looks up the conversation for (userID, counterpartID, productID),
// creating it if absent. Safe under concurrent invocation by both
// participants: creation races are settled by the store's uniqueness
// constraint, and the loser returns the winner's conversation.
func (s *Service) Resolve(ctx context.Context, userID, counterpartID, productID string, opts ResolveOptions) (*store.Conversation, error) {
	if userID == "" || counterpartID == "" || userID == counterpartID {
		return nil, ErrInvalidParticipants
	}

	conv, err := s.store.GetConversationByKey(ctx, userID, counterpartID, productID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("conversation lookup failed: %w", err)
	}

	lo, hi := store.SortParticipants(userID, counterpartID)
	now := time.Now()
	conv = &store.Conversation{
		ID:            uuid.New().String(),
		ParticipantLo: lo,
		ParticipantHi: hi,
		ProductID:     productID,
		LastUpdated:   now,
		CreatedAt:     now,
	}
	if lo == userID {
		conv.LoDisplayName = opts.UserDisplayName
		conv.HiDisplayName = opts.CounterpartDisplayName
	} else {
		conv.LoDisplayName = opts.CounterpartDisplayName
		conv.HiDisplayName = opts.UserDisplayName
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Handle race condition: the counterpart may have created the
		// conversation between our lookup and insert attempt
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.GetConversationByKey(ctx, userID, counterpartID, productID)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race",
					"conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error",
				"lookup_error", lookupErr)
			return nil, fmt.Errorf("conversation lookup after duplicate failed: %w", lookupErr)
		}
		return nil, fmt.Errorf("conversation creation failed: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"product_id", productID)
	return conv, nil
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// ListFor returns a live stream of the user's conversation summaries:
// the current conversations ordered by last activity (newest first), then
// an update on every change, until ctx is cancelled. Overlapping replay
// and live delivery may repeat a summary; pushes are full entities so
// consumers re-render idempotently.
func (s *Service) ListFor(ctx context.Context, userID string) (<-chan Summary, error) {
	// Attach to live updates before the snapshot so nothing falls in between
	live, subID := s.broker.Subscribe(ctx, userID)

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		s.broker.Unsubscribe(userID, subID)
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make(chan Summary, len(convs)+16)
	go func() {
		defer close(out)
		for _, conv := range convs {
			select {
			case out <- s.summaryFor(conv, userID):
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case summary, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- summary:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// NotifyUpdated pushes a conversation's fresh summary to both participants'
// inbox subscribers. Called by the message layer after every append.
func (s *Service) NotifyUpdated(conv *store.Conversation) {
	s.broker.Publish(conv.ParticipantLo, s.summaryFor(conv, conv.ParticipantLo))
	s.broker.Publish(conv.ParticipantHi, s.summaryFor(conv, conv.ParticipantHi))
}

// Close shuts down the summary broker.
func (s *Service) Close() {
	s.broker.Close()
}

func (s *Service) summaryFor(conv *store.Conversation, userID string) Summary {
	counterpart := conv.Counterpart(userID)
	return Summary{
		ConversationID:  conv.ID,
		ProductID:       conv.ProductID,
		SelfID:          userID,
		CounterpartID:   counterpart,
		CounterpartName: conv.DisplayNameOf(counterpart),
		LastMessage:     conv.LastMessage,
		LastUpdated:     conv.LastUpdated,
	}
}
