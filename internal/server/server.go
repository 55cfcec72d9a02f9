// ABOUTME: HTTP/WebSocket surface exposing the chat core to UI clients
// ABOUTME: REST for request/response operations, one websocket per client session

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tradepost/chatcore/internal/directory"
	"github.com/tradepost/chatcore/internal/message"
	"github.com/tradepost/chatcore/internal/presence"
	"github.com/tradepost/chatcore/internal/session"
	"github.com/tradepost/chatcore/internal/store"
)

// Server exposes the chat core over HTTP and WebSocket.
type Server struct {
	directory *directory.Service
	messages  *message.Service
	tracker   *presence.Tracker
	sessions  *session.Service
	logger    *slog.Logger

	httpServer *http.Server
}

// New wires the HTTP surface around the core services.
func New(addr string, dir *directory.Service, msgs *message.Service, tracker *presence.Tracker, sessions *session.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		directory: dir,
		messages:  msgs,
		tracker:   tracker,
		sessions:  sessions,
		logger:    logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the chi router. Exposed separately so tests can drive the
// handler without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/chats/resolve", s.handleResolve)
		api.Post("/chats/{conversationID}/messages", s.handleSend)
		api.Post("/chats/{conversationID}/seen", s.handleMarkSeen)
		api.Get("/chats/{conversationID}/unseen", s.handleUnseenCount)
		api.Get("/ws", s.handleSession)
	})

	return r
}

// Start begins serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

type resolveRequest struct {
	UserID                 string `json:"user_id"`
	CounterpartID          string `json:"counterpart_id"`
	ProductID              string `json:"product_id"`
	UserDisplayName        string `json:"user_display_name,omitempty"`
	CounterpartDisplayName string `json:"counterpart_display_name,omitempty"`
}

type conversationResponse struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	ProductID    string    `json:"product_id"`
	LastMessage  string    `json:"last_message"`
	LastUpdated  time.Time `json:"last_updated"`
}

func conversationJSON(conv *store.Conversation) conversationResponse {
	return conversationResponse{
		ID:           conv.ID,
		Participants: [2]string{conv.ParticipantLo, conv.ParticipantHi},
		ProductID:    conv.ProductID,
		LastMessage:  conv.LastMessage,
		LastUpdated:  conv.LastUpdated,
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := s.directory.Resolve(r.Context(), req.UserID, req.CounterpartID, req.ProductID, directory.ResolveOptions{
		UserDisplayName:        req.UserDisplayName,
		CounterpartDisplayName: req.CounterpartDisplayName,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conversationJSON(conv))
}

type sendRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Seen           bool      `json:"seen"`
}

func messageJSON(msg *store.Message) messageResponse {
	return messageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Body:           msg.Body,
		SentAt:         msg.SentAt,
		Seen:           msg.Seen,
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Body == "" {
		respondError(w, http.StatusBadRequest, "message body is required")
		return
	}

	msg, err := s.messages.Append(r.Context(), conversationID, req.SenderID, req.ReceiverID, req.Body)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, messageJSON(msg))
}

func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.messages.MarkSeen(r.Context(), conversationID, req.UserID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnseenCount(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	count, err := s.messages.UnseenCount(r.Context(), conversationID, userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

// respondServiceError maps core errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrInvalidParticipants):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, message.ErrNotParticipant):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, session.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encoding response failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
