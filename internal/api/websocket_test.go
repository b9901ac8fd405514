package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geistlabs/geistai-sub001/internal/config"
	"github.com/geistlabs/geistai-sub001/internal/domain"
)

func dialLive(t *testing.T, f *fixture, convID string) (context.Context, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/conversations/" + convID
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": {"u1"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })

	var first liveFrame
	require.NoError(t, wsjson.Read(ctx, ws, &first))
	require.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Conversation)
	assert.Equal(t, convID, first.Conversation.ID)
	return ctx, ws
}

// readUntil reads update frames until match returns true.
func readUntil(ctx context.Context, t *testing.T, ws *websocket.Conn, match func(*domain.Message) bool) *domain.Message {
	t.Helper()
	for {
		var frame liveFrame
		require.NoError(t, wsjson.Read(ctx, ws, &frame))
		if frame.Type == "update" && frame.Message != nil && match(frame.Message) {
			return frame.Message
		}
	}
}

func TestLiveUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streamLines(helloToken, endEvent))
	ctx, ws := dialLive(t, f, "c1")
	assert.Equal(t, 1, f.base.watchers.Count("c1"))

	readSSE(t, f.do(t, http.MethodPost, "/api/conversations/c1/messages", `{"message":"hi"}`))

	final := readUntil(ctx, t, ws, func(m *domain.Message) bool { return m.Status == domain.StatusComplete })
	assert.Equal(t, "Hello from Geist", final.Content)
	assert.Equal(t, domain.RoleAssistant, final.Role)
}

func TestLiveCancelCommand(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"orchestrator_token","data":{"channel":"content","data":"partial"}}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release) })

	ctx, ws := dialLive(t, f, "c1")

	done := make(chan []sseEvent, 1)
	go func() {
		resp, err := http.DefaultClient.Do(mustRequest(f.srv.URL+"/api/conversations/c1/messages", `{"message":"hi"}`))
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- parseSSE(string(body))
	}()

	readUntil(ctx, t, ws, func(m *domain.Message) bool { return m.Content == "partial" })
	require.NoError(t, wsjson.Write(ctx, ws, liveCommand{Type: "cancel"}))

	canceled := readUntil(ctx, t, ws, func(m *domain.Message) bool { return m.Status == domain.StatusCanceled })
	assert.Equal(t, "partial", canceled.Content)
	assert.False(t, canceled.IsStreaming)

	select {
	case events := <-done:
		require.NotEmpty(t, events)
		assert.Equal(t, "error", events[len(events)-1].Name)
	case <-time.After(10 * time.Second):
		t.Fatal("chat request did not finish after cancel")
	}
}

func TestDeleteClosesWatchers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streamLines(helloToken, endEvent))
	ctx, ws := dialLive(t, f, "c1")
	readSSE(t, f.do(t, http.MethodPost, "/api/conversations/c1/messages", `{"message":"hi"}`))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/conversations/c1", "").StatusCode)

	var frame liveFrame
	for {
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			break
		}
	}
	assert.Zero(t, f.base.watchers.Count("c1"))
}

func TestLiveConnectThenGetReturnsPersistedMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streamLines(helloToken, endEvent))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, m := range []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "hi", Status: domain.StatusComplete, CreatedAt: at},
		{ID: "m2", Role: domain.RoleAssistant, Content: "Hello", Status: domain.StatusComplete, CreatedAt: at.Add(time.Second)},
	} {
		require.NoError(t, f.repo.SaveMessage(context.Background(), "c1", m), "message %d", i)
	}

	dialLive(t, f, "c1")
	live, ok := f.manager.Get("c1")
	require.True(t, ok)
	assert.Len(t, live.Snapshot().Messages, 2)

	resp := f.do(t, http.MethodGet, "/api/conversations/c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv domain.Conversation
	decodeJSON(t, resp, &conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hi", conv.Messages[0].Content)
	assert.Equal(t, "Hello", conv.Messages[1].Content)

	// the next turn sees the restored history
	readSSE(t, f.do(t, http.MethodPost, "/api/conversations/c1/messages", `{"message":"again"}`))
	assert.Len(t, live.Snapshot().Messages, 4)
}

func TestLiveConversationLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streamLines(helloToken, endEvent), func(c *config.Config) { c.MaxLiveConversations = 1 })
	dialLive(t, f, "c1")

	resp := f.do(t, http.MethodPost, "/api/conversations/c2/messages", `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 1, f.manager.Len())
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"*"}, originPatterns(nil))
	assert.Equal(t, []string{"*"}, originPatterns([]string{"https://app.example", "*"}))
	assert.Equal(t, []string{"app.example:3000"}, originPatterns([]string{"http://app.example:3000"}))
}

func mustRequest(url, body string) *http.Request {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		panic(err)
	}
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Content-Type", "application/json")
	return req
}
