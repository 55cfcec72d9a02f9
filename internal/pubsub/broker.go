// ABOUTME: In-memory per-key fan-out broker for live event delivery
// ABOUTME: Publishes events to all subscribers of a key without blocking the publisher

package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broker provides in-memory pub/sub keyed by an arbitrary string (a
// conversation id, a user id). Subscribers register for a key and receive
// every event published to it until they unsubscribe or their context is
// cancelled.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroker creates a broker. Pass nil logger for default.
func NewBroker[T any](logger *slog.Logger) *Broker[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker[T]{
		subscribers: make(map[string]map[string]chan T),
		logger:      logger.With("component", "pubsub"),
	}
}

// Subscribe registers a subscriber for events on the given key. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context, key string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan T)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given key.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broker[T]) Publish(key string, event T) {
	// Sends happen under the read lock. They never block, and Unsubscribe
	// closes channels under the write lock, so a send can never race a
	// close.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[key] {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full, drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber", "key", key)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker[T]) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the broker and closes all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broker closed")
}
