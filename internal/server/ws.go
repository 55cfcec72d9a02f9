// ABOUTME: WebSocket session endpoint: presence lifecycle plus push subscriptions
// ABOUTME: One socket per client session; closing it without sign-off triggers the watchdog path

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradepost/chatcore/internal/presence"
	"github.com/tradepost/chatcore/internal/session"
	"github.com/tradepost/chatcore/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientFrame is a frame received from the client over the session socket.
type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Body           string `json:"body,omitempty"`
	SubID          string `json:"sub_id,omitempty"`
}

// serverFrame is a frame pushed to the client. Every push carries the full
// updated entity so the UI can re-render idempotently.
type serverFrame struct {
	Type     string              `json:"type"`
	SubID    string              `json:"sub_id,omitempty"`
	Message  *messageResponse    `json:"message,omitempty"`
	Entry    *inboxEntryResponse `json:"entry,omitempty"`
	Presence *presenceResponse   `json:"presence,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type presenceResponse struct {
	UserID      string    `json:"user_id"`
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
	LastActive  string    `json:"last_active"`
}

func presenceJSON(rec store.PresenceRecord) presenceResponse {
	return presenceResponse{
		UserID:      rec.UserID,
		State:       rec.State,
		LastChanged: rec.LastChanged,
		LastActive:  presence.LastActive(&rec, time.Now()),
	}
}

type inboxEntryResponse struct {
	ConversationID  string           `json:"conversation_id"`
	ProductID       string           `json:"product_id"`
	CounterpartID   string           `json:"counterpart_id"`
	CounterpartName string           `json:"counterpart_name"`
	LastMessage     string           `json:"last_message"`
	LastUpdated     time.Time        `json:"last_updated"`
	UnseenCount     int              `json:"unseen_count"`
	Counterpart     presenceResponse `json:"counterpart_presence"`
}

func inboxEntryJSON(e session.InboxEntry) inboxEntryResponse {
	return inboxEntryResponse{
		ConversationID:  e.Summary.ConversationID,
		ProductID:       e.Summary.ProductID,
		CounterpartID:   e.Summary.CounterpartID,
		CounterpartName: e.Summary.CounterpartName,
		LastMessage:     e.Summary.LastMessage,
		LastUpdated:     e.Summary.LastUpdated,
		UnseenCount:     e.UnseenCount,
		Counterpart:     presenceJSON(e.Counterpart),
	}
}

// clientSession is one upgraded websocket connection: the user's live
// session for presence purposes and the carrier of their push
// subscriptions.
type clientSession struct {
	server    *Server
	conn      *websocket.Conn
	userID    string
	sessionID string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan serverFrame
	subs   map[string]context.CancelFunc
}

// handleSession upgrades the connection and runs the session until the
// client disconnects or signs off. Connecting marks the user online;
// a severed connection without an explicit offline frame takes the
// disconnect path, which applies the pending offline transition.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sessionID, err := s.tracker.Connect(r.Context(), userID)
	if err != nil {
		s.logger.Error("presence connect failed", "error", err, "user_id", userID)
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cs := &clientSession{
		server:    s,
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		logger:    s.logger.With("user_id", userID, "session_id", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan serverFrame, 64),
		subs:      make(map[string]context.CancelFunc),
	}

	go cs.writeLoop()
	cs.readLoop()
}

// writeLoop is the single writer for the socket, which preserves
// per-conversation append order end-to-end.
func (cs *clientSession) writeLoop() {
	for {
		select {
		case frame := <-cs.out:
			if err := cs.conn.WriteJSON(frame); err != nil {
				cs.logger.Debug("websocket write failed", "error", err)
				cs.cancel()
				return
			}
		case <-cs.ctx.Done():
			return
		}
	}
}

func (cs *clientSession) readLoop() {
	explicitOffline := false
	defer func() {
		cs.cancel()
		cs.conn.Close()
		if !explicitOffline {
			// Connection severed without sign-off: apply the pending
			// offline transition
			cs.server.tracker.Disconnect(context.Background(), cs.sessionID)
		}
	}()

	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			cs.logger.Debug("session closed", "error", err)
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			cs.push(serverFrame{Type: "error", Error: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "heartbeat":
			if err := cs.server.tracker.Heartbeat(cs.sessionID); err != nil {
				cs.push(serverFrame{Type: "error", Error: err.Error()})
			}

		case "offline":
			explicitOffline = true
			if err := cs.server.tracker.GoOffline(cs.ctx, cs.userID); err != nil {
				cs.logger.Error("explicit offline failed", "error", err)
			}
			return

		case "send":
			cs.handleSend(frame)

		case "mark_seen":
			cs.handleMarkSeen(frame)

		case "subscribe_messages":
			cs.handleSubscribeMessages(frame)

		case "subscribe_inbox":
			cs.handleSubscribeInbox()

		case "subscribe_presence":
			cs.handleSubscribePresence(frame)

		case "unsubscribe":
			if cancel, ok := cs.subs[frame.SubID]; ok {
				cancel()
				delete(cs.subs, frame.SubID)
			}

		default:
			cs.push(serverFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

func (cs *clientSession) handleSend(frame clientFrame) {
	msg, err := cs.server.messages.Append(cs.ctx, frame.ConversationID, cs.userID, frame.ReceiverID, frame.Body)
	if err != nil {
		cs.push(serverFrame{Type: "error", Error: err.Error()})
		return
	}
	m := messageJSON(msg)
	cs.push(serverFrame{Type: "sent", Message: &m})
}

func (cs *clientSession) handleMarkSeen(frame clientFrame) {
	if err := cs.server.messages.MarkSeen(cs.ctx, frame.ConversationID, cs.userID); err != nil {
		cs.push(serverFrame{Type: "error", Error: err.Error()})
		return
	}
	cs.push(serverFrame{Type: "marked_seen"})
}

func (cs *clientSession) handleSubscribeMessages(frame clientFrame) {
	subCtx, cancel := context.WithCancel(cs.ctx)
	msgs, err := cs.server.messages.Subscribe(subCtx, frame.ConversationID)
	if err != nil {
		cancel()
		cs.push(serverFrame{Type: "error", Error: err.Error()})
		return
	}

	subID := uuid.New().String()
	cs.subs[subID] = cancel
	cs.push(serverFrame{Type: "subscribed", SubID: subID})

	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				m := messageJSON(msg)
				cs.push(serverFrame{Type: "message", SubID: subID, Message: &m})
			case <-subCtx.Done():
				return
			}
		}
	}()
}

func (cs *clientSession) handleSubscribeInbox() {
	subCtx, cancel := context.WithCancel(cs.ctx)
	entries, err := cs.server.sessions.ListInbox(subCtx, cs.userID)
	if err != nil {
		cancel()
		cs.push(serverFrame{Type: "error", Error: err.Error()})
		return
	}

	subID := uuid.New().String()
	cs.subs[subID] = cancel
	cs.push(serverFrame{Type: "subscribed", SubID: subID})

	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				e := inboxEntryJSON(entry)
				cs.push(serverFrame{Type: "inbox", SubID: subID, Entry: &e})
			case <-subCtx.Done():
				return
			}
		}
	}()
}

func (cs *clientSession) handleSubscribePresence(frame clientFrame) {
	subCtx, cancel := context.WithCancel(cs.ctx)
	updates, err := cs.server.tracker.Subscribe(subCtx, frame.UserID)
	if err != nil {
		cancel()
		cs.push(serverFrame{Type: "error", Error: err.Error()})
		return
	}

	subID := uuid.New().String()
	cs.subs[subID] = cancel
	cs.push(serverFrame{Type: "subscribed", SubID: subID})

	go func() {
		for {
			select {
			case rec, ok := <-updates:
				if !ok {
					return
				}
				p := presenceJSON(rec)
				cs.push(serverFrame{Type: "presence", SubID: subID, Presence: &p})
			case <-subCtx.Done():
				return
			}
		}
	}()
}

// push queues a frame for the write loop, dropping it if the session is
// gone or the outbound buffer is full.
func (cs *clientSession) push(frame serverFrame) {
	select {
	case cs.out <- frame:
	case <-cs.ctx.Done():
	default:
		cs.logger.Debug("outbound buffer full, dropping frame", "type", frame.Type)
	}
}
