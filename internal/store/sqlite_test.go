// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation dedup, append ordering, seen state, presence LWW

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testConversation(userA, userB, productID string) *Conversation {
	lo, hi := SortParticipants(userA, userB)
	now := time.Now()
	return &Conversation{
		ID:            uuid.New().String(),
		ParticipantLo: lo,
		ParticipantHi: hi,
		ProductID:     productID,
		LastUpdated:   now,
		CreatedAt:     now,
	}
}

func TestStore_CreateConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))

	retrieved, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, retrieved.ID)
	assert.Equal(t, "user-a", retrieved.ParticipantLo)
	assert.Equal(t, "user-b", retrieved.ParticipantHi)
	assert.Equal(t, "prod-1", retrieved.ProductID)
	assert.Empty(t, retrieved.LastMessage)
}

func TestStore_CreateConversation_DuplicateKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, first))

	// Same pair and product, different id: the UNIQUE index must reject it
	second := testConversation("user-b", "user-a", "prod-1")
	err := store.CreateConversation(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	// Same pair, different product is fine
	other := testConversation("user-a", "user-b", "prod-2")
	assert.NoError(t, store.CreateConversation(ctx, other))
}

func TestStore_GetConversationByKey_OrderIndependent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))

	found, err := store.GetConversationByKey(ctx, "user-b", "user-a", "prod-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	_, err = store.GetConversationByKey(ctx, "user-a", "user-b", "prod-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetConversation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetConversation(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendMessage_AssignsSequence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))

	for i := 1; i <= 3; i++ {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       "user-a",
			ReceiverID:     "user-b",
			Body:           fmt.Sprintf("message %d", i),
			SentAt:         time.Now(),
		}
		require.NoError(t, store.AppendMessage(ctx, msg))
		assert.Equal(t, int64(i), msg.Seq)
	}

	msgs, err := store.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
		assert.Equal(t, fmt.Sprintf("message %d", i+1), msg.Body)
		assert.False(t, msg.Seen)
	}
}

func TestStore_AppendMessage_UpdatesConversationTail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "user-a",
		ReceiverID:     "user-b",
		Body:           "is this still available?",
		SentAt:         time.Now(),
	}
	require.NoError(t, store.AppendMessage(ctx, msg))

	retrieved, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "is this still available?", retrieved.LastMessage)
	assert.WithinDuration(t, msg.SentAt, retrieved.LastUpdated, time.Millisecond)
}

func TestStore_AppendMessage_UnknownConversation(t *testing.T) {
	store := setupTestStore(t)

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: "no-such-conversation",
		SenderID:       "user-a",
		ReceiverID:     "user-b",
		Body:           "hello",
		SentAt:         time.Now(),
	}
	err := store.AppendMessage(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendMessage_ClampsBackwardsClock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))

	first := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "user-a",
		ReceiverID:     "user-b",
		Body:           "first",
		SentAt:         time.Now(),
	}
	require.NoError(t, store.AppendMessage(ctx, first))

	// Simulate the server clock stepping backwards
	second := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "user-a",
		ReceiverID:     "user-b",
		Body:           "second",
		SentAt:         first.SentAt.Add(-time.Hour),
	}
	require.NoError(t, store.AppendMessage(ctx, second))

	assert.False(t, second.SentAt.Before(first.SentAt),
		"sent_at must be non-decreasing in append order")
	assert.Greater(t, second.Seq, first.Seq)
}

func TestStore_MarkSeen(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))

	appendMsg := func(sender, receiver, body string) {
		t.Helper()
		require.NoError(t, store.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       sender,
			ReceiverID:     receiver,
			Body:           body,
			SentAt:         time.Now(),
		}))
	}

	appendMsg("user-a", "user-b", "m1")
	appendMsg("user-a", "user-b", "m2")
	appendMsg("user-b", "user-a", "m3")

	count, err := store.UnseenCount(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	updated, err := store.MarkSeen(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	require.Len(t, updated, 2)
	for _, msg := range updated {
		assert.True(t, msg.Seen)
		assert.Equal(t, "user-b", msg.ReceiverID)
	}

	count, err = store.UnseenCount(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// user-a's incoming message is unaffected
	count, err = store.UnseenCount(ctx, conv.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_MarkSeen_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))
	require.NoError(t, store.AppendMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "user-a",
		ReceiverID:     "user-b",
		Body:           "hello",
		SentAt:         time.Now(),
	}))

	first, err := store.MarkSeen(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := store.MarkSeen(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestStore_MarkSeen_SenderOwnMessagesUntouched(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-a", "user-b", "prod-1")
	require.NoError(t, store.CreateConversation(ctx, conv))
	require.NoError(t, store.AppendMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       "user-a",
		ReceiverID:     "user-b",
		Body:           "hello",
		SentAt:         time.Now(),
	}))

	// The sender marking seen must not flip messages they sent
	updated, err := store.MarkSeen(ctx, conv.ID, "user-a")
	require.NoError(t, err)
	assert.Empty(t, updated)

	count, err := store.UnseenCount(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_ListConversations_OrderedByLastUpdated(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := testConversation("user-a", "user-b", "prod-1")
	old.LastUpdated = time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateConversation(ctx, old))

	fresh := testConversation("user-a", "user-c", "prod-2")
	require.NoError(t, store.CreateConversation(ctx, fresh))

	unrelated := testConversation("user-x", "user-y", "prod-3")
	require.NoError(t, store.CreateConversation(ctx, unrelated))

	convs, err := store.ListConversations(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, fresh.ID, convs[0].ID)
	assert.Equal(t, old.ID, convs[1].ID)
}

func TestStore_ListConversations_SubsecondFractionsOrdered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Timestamps whose fractions have trailing zeros must still compare
	// correctly against the ORDER BY on the stored strings
	older := testConversation("user-a", "user-b", "prod-1")
	older.LastUpdated = time.Date(2026, 1, 2, 12, 0, 1, 0, time.UTC)
	require.NoError(t, store.CreateConversation(ctx, older))

	newer := testConversation("user-a", "user-c", "prod-2")
	newer.LastUpdated = time.Date(2026, 1, 2, 12, 0, 1, 500_000_000, time.UTC)
	require.NoError(t, store.CreateConversation(ctx, newer))

	convs, err := store.ListConversations(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer.ID, convs[0].ID)
	assert.Equal(t, older.ID, convs[1].ID)
}

func TestStore_Presence_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetPresence(ctx, "user-a")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now()
	applied, err := store.UpsertPresence(ctx, &PresenceRecord{
		UserID:      "user-a",
		State:       PresenceOnline,
		LastChanged: now,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := store.GetPresence(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, rec.State)
	assert.True(t, rec.Online())
}

func TestStore_Presence_LastWriteWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	applied, err := store.UpsertPresence(ctx, &PresenceRecord{
		UserID:      "user-a",
		State:       PresenceOnline,
		LastChanged: now,
	})
	require.NoError(t, err)
	require.True(t, applied)

	// A late offline write from a dead session must be discarded
	applied, err = store.UpsertPresence(ctx, &PresenceRecord{
		UserID:      "user-a",
		State:       PresenceOffline,
		LastChanged: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := store.GetPresence(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, rec.State)
}

func TestStore_Presence_LastWriteWins_SubsecondFractions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// 12:00:01.5 then 12:00:01.52: the strictly newer write must be
	// applied even though "1.5" sorts after "1.52" byte-wise when
	// fractions are trimmed
	base := time.Date(2026, 1, 2, 12, 0, 1, 500_000_000, time.UTC)
	applied, err := store.UpsertPresence(ctx, &PresenceRecord{
		UserID:      "user-a",
		State:       PresenceOffline,
		LastChanged: base,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.UpsertPresence(ctx, &PresenceRecord{
		UserID:      "user-a",
		State:       PresenceOnline,
		LastChanged: base.Add(20 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := store.GetPresence(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, rec.State)
}

func TestStore_Presence_Sweep(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, state := range []string{PresenceOnline, PresenceOnline, PresenceOffline} {
		_, err := store.UpsertPresence(ctx, &PresenceRecord{
			UserID:      fmt.Sprintf("user-%d", i),
			State:       state,
			LastChanged: base,
		})
		require.NoError(t, err)
	}

	n, err := store.SweepPresenceOffline(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 3; i++ {
		rec, err := store.GetPresence(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		assert.Equal(t, PresenceOffline, rec.State)
	}
}
