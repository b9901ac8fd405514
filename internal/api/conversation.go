package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/geistlabs/geistai-sub001/internal/chat"
	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/identity"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
	defaultSearchLimit        = 20
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SendRequest is the body of POST /api/conversations/{id}/messages.
type SendRequest struct {
	Message string `json:"message"`
}

// errorPayload is the data of the terminal SSE "error" event.
type errorPayload struct {
	Error   string          `json:"error"`
	Message *domain.Message `json:"message,omitempty"`
}

// ConversationHandler serves the chat relay endpoints.
type ConversationHandler struct {
	*Handler
	limiter *RateLimiter
}

// NewConversationHandler creates a conversation handler. limiter may be nil.
func NewConversationHandler(base *Handler, limiter *RateLimiter) *ConversationHandler {
	return &ConversationHandler{Handler: base, limiter: limiter}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)
		r.Get("/search", h.Search)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Delete("/", h.DeleteConversation)
			r.Post("/messages", h.PostMessage)
			r.Delete("/turn", h.CancelTurn)
		})
	})
}

func conversationID(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	return id, conversationIDPattern.MatchString(id)
}

// PostMessage starts a turn and relays the assistant message as SSE: one
// "update" per applied event, then "done" or "error".
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	convID, ok := conversationID(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	logger := h.logger.With(
		"conversation_id", convID,
		"user_id", userID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"remote_ip", identity.IPFromRequest(r),
	)
	svc, ok := openConversation(w, r, h.conversations, convID, logger)
	if !ok {
		return
	}
	logger.Info("Chat request", "message_length", len(req.Message))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse := &sseStream{w: w, flusher: flusher, logger: logger}
	stopKeepalive := sse.keepalive(h.keepaliveInterval())

	final, err := svc.Send(r.Context(), userID, req.Message, func(m *domain.Message) {
		sse.send("update", m)
	})
	stopKeepalive()

	if err != nil {
		if errors.Is(err, chat.ErrCanceled) {
			logger.Info("Chat turn canceled", "error", err)
		} else {
			logger.Warn("Chat turn failed", "error", err)
		}
		sse.send("error", errorPayload{Error: chat.UserMessage(err), Message: final})
		return
	}
	sse.send("done", final)
}

// openConversation returns the live conversation, restoring it from storage
// if needed. On failure the error response is already written.
func openConversation(w http.ResponseWriter, r *http.Request, conversations *chat.Manager, convID string, logger *slog.Logger) (*chat.Service, bool) {
	svc, err := conversations.Open(r.Context(), convID)
	switch {
	case err == nil:
		return svc, true
	case errors.Is(err, chat.ErrConversationLimit):
		w.Header().Set("Retry-After", "5")
		Error(w, http.StatusServiceUnavailable, "too many live conversations")
	default:
		logger.Error("Failed to open conversation", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
	}
	return nil, false
}

// GetConversation returns the live conversation, or the persisted one when
// no turn has run in this process.
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if svc, ok := h.conversations.Get(convID); ok {
		JSON(w, http.StatusOK, svc.Snapshot())
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), convID)
	if err != nil {
		h.logger.Error("Failed to list messages", "error", err, "conversation_id", convID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if len(msgs) == 0 {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	JSON(w, http.StatusOK, &domain.Conversation{ID: convID, Messages: msgs, CreatedAt: msgs[0].CreatedAt})
}

// DeleteConversation cancels any turn, disconnects watchers and removes the
// stored messages.
func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	live := h.conversations.Remove(convID)
	if h.watchers != nil {
		h.watchers.CloseConversation(convID)
	}
	deleted, err := h.repo.DeleteConversation(r.Context(), convID)
	if err != nil {
		h.logger.Error("Failed to delete conversation", "error", err, "conversation_id", convID)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	if !live && deleted == 0 {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"deleted_messages": deleted})
}

// CancelTurn aborts the in-flight turn of a conversation.
func (h *ConversationHandler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	svc, ok := h.conversations.Get(convID)
	if !ok {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if !svc.Cancel() {
		Error(w, http.StatusConflict, "no turn in flight")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

// Search looks up indexed messages containing q.
func (h *ConversationHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		Error(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := h.repo.Search(r.Context(), q, limit)
	if err != nil {
		h.logger.Error("Search failed", "error", err)
		Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []domain.IndexEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ListPlans returns the plan catalogue negotiation results are checked against.
func (h *ConversationHandler) ListPlans(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"plans": h.plans})
}

func (h *ConversationHandler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.MaxRequestBodySize > 0 {
		return h.cfg.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *ConversationHandler) keepaliveInterval() time.Duration {
	if h.cfg != nil && h.cfg.KeepaliveInterval > 0 {
		return h.cfg.KeepaliveInterval
	}
	return defaultKeepaliveInterval
}

// sseStream serializes event writes from the turn and the keepalive ticker.
// After the first failed write the client is gone and later writes are dropped.
type sseStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	logger  *slog.Logger
	broken  bool
}

func (s *sseStream) send(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal SSE payload", "event", event, "error", err)
		return
	}
	s.write(event, string(data))
}

func (s *sseStream) write(event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	if err := writeSSE(s.w, event, data); err != nil {
		s.broken = true
		s.logger.Debug("failed to write SSE event", "event", event, "error", err)
		return
	}
	s.flusher.Flush()
}

func (s *sseStream) keepalive(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.write("ping", `{"status":"alive"}`)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
