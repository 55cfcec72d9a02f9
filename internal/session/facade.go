// ABOUTME: ChatSessionFacade composing directory, messages and presence for the UI collaborator
// ABOUTME: Open-or-create chats, send, mark seen, and a live inbox join with unread and presence

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradepost/chatcore/internal/directory"
	"github.com/tradepost/chatcore/internal/message"
	"github.com/tradepost/chatcore/internal/presence"
	"github.com/tradepost/chatcore/internal/store"
)

// ErrUnavailable is surfaced after transient store failures exhaust their
// retry budget.
var ErrUnavailable = errors.New("temporarily unavailable")

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Service is the facade the UI collaborator calls. Structural errors
// (invalid participants, unknown conversation) surface immediately;
// transient store failures are retried with backoff before surfacing
// ErrUnavailable.
type Service struct {
	directory *directory.Service
	messages  *message.Service
	presence  *presence.Tracker
	logger    *slog.Logger
}

// New creates the facade
func New(dir *directory.Service, msgs *message.Service, pres *presence.Tracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		directory: dir,
		messages:  msgs,
		presence:  pres,
		logger:    logger.With("component", "session"),
	}
}

// ChatHandle is an open conversation from one participant's point of view:
// a live message stream plus send and mark-seen operations bound to the
// resolved conversation.
type ChatHandle struct {
	Conversation *store.Conversation

	svc           *Service
	userID        string
	counterpartID string
	msgs          <-chan *store.Message
	cancel        context.CancelFunc
}

// OpenChat resolves (or creates) the conversation for the triple,
// subscribes to its message stream, and marks everything addressed to the
// opener as seen. The returned handle must be closed when the UI leaves
// the chat.
func (s *Service) OpenChat(ctx context.Context, userID, counterpartID, productID string, opts directory.ResolveOptions) (*ChatHandle, error) {
	var conv *store.Conversation
	err := s.withRetry(ctx, "resolve", func() error {
		var err error
		conv, err = s.directory.Resolve(ctx, userID, counterpartID, productID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := s.messages.Subscribe(subCtx, conv.ID)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := s.withRetry(ctx, "mark seen", func() error {
		return s.messages.MarkSeen(ctx, conv.ID, userID)
	}); err != nil {
		cancel()
		return nil, err
	}

	s.logger.Debug("chat opened",
		"conversation_id", conv.ID,
		"user_id", userID,
		"counterpart_id", counterpartID)

	return &ChatHandle{
		Conversation:  conv,
		svc:           s,
		userID:        userID,
		counterpartID: counterpartID,
		msgs:          msgs,
		cancel:        cancel,
	}, nil
}

// Messages returns the live message stream: full history in append order,
// then new messages and seen-state updates as they happen.
func (h *ChatHandle) Messages() <-chan *store.Message {
	return h.msgs
}

// Send appends a message to the conversation addressed to the counterpart.
func (h *ChatHandle) Send(ctx context.Context, body string) (*store.Message, error) {
	var msg *store.Message
	err := h.svc.withRetry(ctx, "send", func() error {
		var err error
		msg, err = h.svc.messages.Append(ctx, h.Conversation.ID, h.userID, h.counterpartID, body)
		return err
	})
	return msg, err
}

// MarkSeen marks all unseen messages addressed to the handle's owner as seen.
func (h *ChatHandle) MarkSeen(ctx context.Context) error {
	return h.svc.withRetry(ctx, "mark seen", func() error {
		return h.svc.messages.MarkSeen(ctx, h.Conversation.ID, h.userID)
	})
}

// Close releases the message subscription. Deliveries already queued may
// still be observed by a reader draining the channel.
func (h *ChatHandle) Close() {
	h.cancel()
}

// InboxEntry is one conversation row for the inbox view: the summary from
// the opener's perspective joined with their unread count and the
// counterpart's presence.
type InboxEntry struct {
	Summary     directory.Summary    `json:"summary"`
	UnseenCount int                  `json:"unseen_count"`
	Counterpart store.PresenceRecord `json:"counterpart_presence"`
}

// ListInbox streams the user's inbox: one entry per conversation on
// subscribe (newest first), then a fresh entry whenever a conversation
// changes or its counterpart's presence flips. Failures computing unread
// counts or presence degrade that entry rather than killing the stream.
func (s *Service) ListInbox(ctx context.Context, userID string) (<-chan InboxEntry, error) {
	summaries, err := s.directory.ListFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan InboxEntry, 16)
	go func() {
		defer close(out)

		// Latest state per conversation, and which conversations each
		// counterpart appears in, for presence re-joins.
		entries := make(map[string]*InboxEntry)
		byCounterpart := make(map[string][]string)
		presenceCh := make(chan store.PresenceRecord, 16)

		emit := func(e *InboxEntry) bool {
			select {
			case out <- *e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case summary, ok := <-summaries:
				if !ok {
					return
				}
				entry, exists := entries[summary.ConversationID]
				if !exists {
					entry = &InboxEntry{
						Counterpart: store.PresenceRecord{
							UserID: summary.CounterpartID,
							State:  store.PresenceOffline,
						},
					}
					entries[summary.ConversationID] = entry
					s.watchCounterpart(ctx, summary.CounterpartID, byCounterpart, summary.ConversationID, presenceCh)
				}
				entry.Summary = summary

				count, err := s.messages.UnseenCount(ctx, summary.ConversationID, userID)
				if err != nil {
					s.logger.Warn("unseen count unavailable",
						"conversation_id", summary.ConversationID, "error", err)
				} else {
					entry.UnseenCount = count
				}
				if !emit(entry) {
					return
				}

			case rec := <-presenceCh:
				for _, convID := range byCounterpart[rec.UserID] {
					entry, ok := entries[convID]
					if !ok {
						continue
					}
					entry.Counterpart = rec
					if !emit(entry) {
						return
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// watchCounterpart subscribes to a counterpart's presence the first time
// they appear in the inbox and forwards their transitions into the join.
func (s *Service) watchCounterpart(ctx context.Context, counterpartID string, byCounterpart map[string][]string, convID string, presenceCh chan<- store.PresenceRecord) {
	_, known := byCounterpart[counterpartID]
	byCounterpart[counterpartID] = append(byCounterpart[counterpartID], convID)
	if known {
		return
	}

	updates, err := s.presence.Subscribe(ctx, counterpartID)
	if err != nil {
		// Degrade to unknown/offline status rather than failing the inbox
		s.logger.Warn("presence subscription failed",
			"counterpart_id", counterpartID, "error", err)
		return
	}
	go func() {
		for {
			select {
			case rec, ok := <-updates:
				if !ok {
					return
				}
				select {
				case presenceCh <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// withRetry runs fn, retrying transient store failures with exponential
// backoff. Structural errors pass through untouched; an exhausted budget
// surfaces ErrUnavailable.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		s.logger.Warn("transient store failure, retrying",
			"op", op, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%s after %d attempts: %w", op, retryAttempts, ErrUnavailable)
}
