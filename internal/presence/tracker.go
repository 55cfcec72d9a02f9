// ABOUTME: Per-user online/offline presence tracking with disconnect detection
// ABOUTME: Session leases carry a pending offline transition applied by the watchdog

package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradepost/chatcore/internal/pubsub"
	"github.com/tradepost/chatcore/internal/store"
)

// ErrUnknownSession is returned for heartbeats against a session that was
// never registered or has already been closed.
var ErrUnknownSession = errors.New("unknown presence session")

// PresenceStore defines what the tracker needs from storage
type PresenceStore interface {
	GetPresence(ctx context.Context, userID string) (*store.PresenceRecord, error)
	UpsertPresence(ctx context.Context, rec *store.PresenceRecord) (bool, error)
	SweepPresenceOffline(ctx context.Context, at time.Time) (int, error)
}

// lease is one live client session. Registering it is the "pending offline
// transition": if the session goes away without an explicit sign-off, the
// watchdog or the transport's disconnect hook applies offline for the user.
type lease struct {
	id       string
	userID   string
	lastBeat time.Time
}

// Tracker maintains each user's online/offline state machine. A user with
// no record is offline. Only the owning session writes a user's record;
// the watchdog is the sole other writer and only writes offline.
type Tracker struct {
	store             PresenceStore
	broker            *pubsub.Broker[store.PresenceRecord]
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu       sync.Mutex
	sessions map[string]*lease  // session id -> lease
	current  map[string]string  // user id -> current session id
}

// NewTracker creates a presence tracker. The heartbeat interval drives the
// watchdog tick; a session whose last heartbeat is older than the timeout
// is treated as disconnected.
func NewTracker(st PresenceStore, heartbeatInterval, heartbeatTimeout time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "presence")
	return &Tracker{
		store:             st,
		broker:            pubsub.NewBroker[store.PresenceRecord](logger),
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		sessions:          make(map[string]*lease),
		current:           make(map[string]string),
	}
}

// Start sweeps stale records offline (no session survives a restart) and
// runs the watchdog until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) error {
	if _, err := t.store.SweepPresenceOffline(ctx, time.Now()); err != nil {
		return err
	}
	go t.watchdog(ctx)
	return nil
}

// Connect marks the user online and registers a session lease with a
// pending offline transition. Returns the session id the transport must
// use for heartbeats and its disconnect hook.
func (t *Tracker) Connect(ctx context.Context, userID string) (string, error) {
	sessionID := uuid.New().String()

	t.mu.Lock()
	t.sessions[sessionID] = &lease{
		id:       sessionID,
		userID:   userID,
		lastBeat: time.Now(),
	}
	// Last writer wins: a reconnect supersedes the previous session, whose
	// eventual disconnect becomes a no-op.
	t.current[userID] = sessionID
	t.mu.Unlock()

	if err := t.transition(ctx, userID, store.PresenceOnline); err != nil {
		t.mu.Lock()
		delete(t.sessions, sessionID)
		if t.current[userID] == sessionID {
			delete(t.current, userID)
		}
		t.mu.Unlock()
		return "", err
	}

	t.logger.Debug("session online", "user_id", userID, "session_id", sessionID)
	return sessionID, nil
}

// Heartbeat renews a session lease.
func (t *Tracker) Heartbeat(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	l.lastBeat = time.Now()
	return nil
}

// Disconnect is the transport's hook for a severed connection: it applies
// the session's pending offline transition. Firing more than once, or
// after an explicit GoOffline, is a no-op since the lease is gone. A stale
// session of a user who reconnected does not touch the fresh state.
func (t *Tracker) Disconnect(ctx context.Context, sessionID string) {
	t.mu.Lock()
	l, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, sessionID)
	isCurrent := t.current[l.userID] == sessionID
	if isCurrent {
		delete(t.current, l.userID)
	}
	t.mu.Unlock()

	if !isCurrent {
		t.logger.Debug("stale session disconnect ignored",
			"user_id", l.userID, "session_id", sessionID)
		return
	}

	if err := t.transition(ctx, l.userID, store.PresenceOffline); err != nil {
		t.logger.Error("offline transition failed",
			"error", err, "user_id", l.userID)
		return
	}
	t.logger.Debug("session offline", "user_id", l.userID, "session_id", sessionID)
}

// GoOffline is the explicit sign-off: it cancels the pending offline
// transition and writes offline immediately. A user with no live session
// is left untouched, so repeated sign-offs do not reset lastChanged.
func (t *Tracker) GoOffline(ctx context.Context, userID string) error {
	t.mu.Lock()
	sessionID, ok := t.current[userID]
	if ok {
		delete(t.sessions, sessionID)
		delete(t.current, userID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	return t.transition(ctx, userID, store.PresenceOffline)
}

// Subscribe streams the user's presence: the current record first, then
// every transition, until ctx is cancelled. A user never observed before
// is reported offline.
func (t *Tracker) Subscribe(ctx context.Context, userID string) (<-chan store.PresenceRecord, error) {
	live, subID := t.broker.Subscribe(ctx, userID)

	rec, err := t.store.GetPresence(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &store.PresenceRecord{UserID: userID, State: store.PresenceOffline}
	} else if err != nil {
		t.broker.Unsubscribe(userID, subID)
		return nil, err
	}

	out := make(chan store.PresenceRecord, 16)
	go func() {
		defer close(out)
		select {
		case out <- *rec:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case update, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- update:
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

// Online reports whether the user currently holds a live session.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.current[userID]
	return ok
}

// Close shuts down the presence broker.
func (t *Tracker) Close() {
	t.broker.Close()
}

// transition writes a presence record and publishes it if the write was
// applied. A write losing the last-write-wins race is dropped silently.
func (t *Tracker) transition(ctx context.Context, userID, state string) error {
	rec := store.PresenceRecord{
		UserID:      userID,
		State:       state,
		LastChanged: time.Now(),
	}
	applied, err := t.store.UpsertPresence(ctx, &rec)
	if err != nil {
		return err
	}
	if applied {
		t.broker.Publish(userID, rec)
	}
	return nil
}

// watchdog expires leases whose heartbeat is older than the timeout and
// applies their pending offline transition.
func (t *Tracker) watchdog(ctx context.Context) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var expired []string
			t.mu.Lock()
			for id, l := range t.sessions {
				if now.Sub(l.lastBeat) > t.heartbeatTimeout {
					expired = append(expired, id)
				}
			}
			t.mu.Unlock()

			for _, id := range expired {
				t.logger.Info("session heartbeat expired", "session_id", id)
				t.Disconnect(ctx, id)
			}
		}
	}
}
