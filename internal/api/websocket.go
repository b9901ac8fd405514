package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/geistlabs/geistai-sub001/internal/chat"
	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// WatcherRegistry tracks websocket watchers per conversation and tab session.
type WatcherRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewWatcherRegistry creates an empty registry.
func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds a watcher; a previous socket of the same tab is closed.
func (m *WatcherRegistry) Register(conversationID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[conversationID]; !exists {
		m.active[conversationID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[conversationID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[conversationID][sessionID] = conn
	slog.Info("Conversation watcher registered", "conversation_id", conversationID, "session_id", sessionID)
}

// Unregister removes conn if it is still the current watcher for the tab.
func (m *WatcherRegistry) Unregister(conversationID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[conversationID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, conversationID)
			}
		}
	}
}

// Count returns the number of watchers of a conversation.
func (m *WatcherRegistry) Count(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[conversationID])
}

// CloseConversation disconnects every watcher of a conversation.
func (m *WatcherRegistry) CloseConversation(conversationID string) {
	m.mu.Lock()
	sessions := m.active[conversationID]
	delete(m.active, conversationID)
	m.mu.Unlock()

	for _, conn := range sessions {
		_ = conn.Close(websocket.StatusGoingAway, "conversation deleted")
	}
}

// liveFrame is pushed to watchers. Type is "snapshot" for the first frame
// and "update" for every applied event after it.
type liveFrame struct {
	Type         string               `json:"type"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Message      *domain.Message      `json:"message,omitempty"`
}

// liveCommand is sent by watchers. Only "cancel" is understood.
type liveCommand struct {
	Type string `json:"type"`
}

// LiveHandler streams conversation snapshots over a websocket.
type LiveHandler struct {
	*Handler
	originPatterns []string
}

// NewLiveHandler creates a websocket handler.
func NewLiveHandler(base *Handler) *LiveHandler {
	var origins []string
	if base.cfg != nil {
		origins = base.cfg.AllowedOrigins()
	}
	return &LiveHandler{Handler: base, originPatterns: originPatterns(origins)}
}

// originPatterns converts allowed origins to host patterns for websocket.Accept.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

// ServeHTTP implements http.Handler for GET /ws/conversations/{id}.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := h.logger.With("conversation_id", convID, "session_id", sessionID)

	svc, ok := openConversation(w, r, h.conversations, convID, logger)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		logger.Warn("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.watchers.Register(convID, sessionID, ws)
	defer h.watchers.Unregister(convID, sessionID, ws)

	updates, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readCommands(ctx, cancel, ws, svc, logger)

	if err := writeFrame(ctx, ws, liveFrame{Type: "snapshot", Conversation: svc.Snapshot()}); err != nil {
		logger.Debug("Failed to write snapshot", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				return
			}
			if err := writeFrame(ctx, ws, liveFrame{Type: "update", Message: m}); err != nil {
				logger.Debug("Failed to write update", "error", err)
				return
			}
		}
	}
}

// readCommands handles watcher commands until the socket closes.
func (h *LiveHandler) readCommands(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, svc *chat.Service, logger *slog.Logger) {
	defer cancel()
	for {
		var cmd liveCommand
		if err := wsjson.Read(ctx, ws, &cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "cancel":
			logger.Info("Turn cancel requested over websocket", "canceled", svc.Cancel())
		default:
			logger.Debug("Ignoring websocket command", "type", cmd.Type)
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame liveFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, frame)
}
