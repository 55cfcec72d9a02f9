// ABOUTME: Tests for the REST endpoints
// ABOUTME: Covers resolve, send, mark-seen, unseen-count and error mapping

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepost/chatcore/internal/directory"
	"github.com/tradepost/chatcore/internal/message"
	"github.com/tradepost/chatcore/internal/presence"
	"github.com/tradepost/chatcore/internal/session"
	"github.com/tradepost/chatcore/internal/store"
)

type testEnv struct {
	server  *Server
	ts      *httptest.Server
	tracker *presence.Tracker
	store   *store.SQLiteStore
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	dir := directory.New(st, nil)
	msgs := message.New(st, dir, nil)
	tracker := presence.NewTracker(st, 50*time.Millisecond, 150*time.Millisecond, nil)
	require.NoError(t, tracker.Start(context.Background()))
	sessions := session.New(dir, msgs, tracker, nil)

	srv := New("localhost:0", dir, msgs, tracker, sessions, nil)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		tracker.Close()
		msgs.Close()
		dir.Close()
		st.Close()
	})
	return &testEnv{server: srv, ts: ts, tracker: tracker, store: st}
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) resolve(t *testing.T, userID, counterpartID, productID string) conversationResponse {
	t.Helper()
	resp := e.postJSON(t, "/api/chats/resolve", resolveRequest{
		UserID:        userID,
		CounterpartID: counterpartID,
		ProductID:     productID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeJSON[conversationResponse](t, resp)
}

func TestHealthz(t *testing.T) {
	env := setupServer(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolve_ReturnsStableConversation(t *testing.T) {
	env := setupServer(t)

	first := env.resolve(t, "buyer", "provider", "prod-1")
	require.NotEmpty(t, first.ID)
	assert.Equal(t, "prod-1", first.ProductID)

	// Re-resolving from the counterpart's side yields the same conversation
	second := env.resolve(t, "provider", "buyer", "prod-1")
	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_InvalidParticipants(t *testing.T) {
	env := setupServer(t)

	resp := env.postJSON(t, "/api/chats/resolve", resolveRequest{
		UserID:        "buyer",
		CounterpartID: "buyer",
		ProductID:     "prod-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSend_AppendsMessage(t *testing.T) {
	env := setupServer(t)
	conv := env.resolve(t, "buyer", "provider", "prod-1")

	resp := env.postJSON(t, fmt.Sprintf("/api/chats/%s/messages", conv.ID), sendRequest{
		SenderID:   "buyer",
		ReceiverID: "provider",
		Body:       "is this still available?",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeJSON[messageResponse](t, resp)
	assert.Equal(t, int64(1), msg.Seq)
	assert.False(t, msg.Seen)
	assert.Equal(t, "provider", msg.ReceiverID)
}

func TestSend_UnknownConversation(t *testing.T) {
	env := setupServer(t)

	resp := env.postJSON(t, "/api/chats/no-such-id/messages", sendRequest{
		SenderID:   "buyer",
		ReceiverID: "provider",
		Body:       "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSend_EmptyBodyRejected(t *testing.T) {
	env := setupServer(t)
	conv := env.resolve(t, "buyer", "provider", "prod-1")

	resp := env.postJSON(t, fmt.Sprintf("/api/chats/%s/messages", conv.ID), sendRequest{
		SenderID:   "buyer",
		ReceiverID: "provider",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarkSeenAndUnseenCount(t *testing.T) {
	env := setupServer(t)
	conv := env.resolve(t, "buyer", "provider", "prod-1")

	for i := 0; i < 2; i++ {
		resp := env.postJSON(t, fmt.Sprintf("/api/chats/%s/messages", conv.ID), sendRequest{
			SenderID:   "buyer",
			ReceiverID: "provider",
			Body:       fmt.Sprintf("m%d", i+1),
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/chats/%s/unseen?user_id=provider", env.ts.URL, conv.ID))
	require.NoError(t, err)
	count := decodeJSON[map[string]int](t, resp)
	assert.Equal(t, 2, count["count"])

	seenResp := env.postJSON(t, fmt.Sprintf("/api/chats/%s/seen", conv.ID), map[string]string{"user_id": "provider"})
	seenResp.Body.Close()
	require.Equal(t, http.StatusNoContent, seenResp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/api/chats/%s/unseen?user_id=provider", env.ts.URL, conv.ID))
	require.NoError(t, err)
	count = decodeJSON[map[string]int](t, resp)
	assert.Equal(t, 0, count["count"])
}

func TestUnseenCount_RequiresUserID(t *testing.T) {
	env := setupServer(t)
	conv := env.resolve(t, "buyer", "provider", "prod-1")

	resp, err := http.Get(fmt.Sprintf("%s/api/chats/%s/unseen", env.ts.URL, conv.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
