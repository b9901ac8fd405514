package reducer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/event"
	"github.com/geistlabs/geistai-sub001/internal/router"
	"github.com/geistlabs/geistai-sub001/internal/stream"
)

func newTestReducer(t *testing.T) *Reducer {
	t.Helper()
	seq := 0
	return New("conv-1",
		WithClock(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
}

// applyWire feeds raw stream text through the decoder and router into r.
func applyWire(t *testing.T, r *Reducer, messageID, raw string) {
	t.Helper()
	rt := router.New()
	d := stream.NewDecoder(nil)
	for _, w := range append(d.Feed(raw), d.Flush()...) {
		events, err := rt.Route(w)
		require.NoError(t, err)
		for _, ev := range events {
			r.Apply(messageID, ev)
		}
	}
}

func TestScenarioPlainContent(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	applyWire(t, r, m.ID, "data: {\"type\":\"orchestrator_token\",\"data\":{\"channel\":\"content\",\"data\":\"Hello\"}}\n"+
		"data: {\"type\":\"end\"}\n")

	got := r.Message(m.ID)
	assert.Equal(t, "Hello", got.Content)
	assert.Empty(t, got.Citations)
	assert.False(t, got.IsStreaming)
	assert.Equal(t, domain.StatusComplete, got.Status)
}

func TestScenarioAgentCitation(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	text := `Found it <citation source="X" url="https://x.com" snippet="s" confidence="0.9">[1]</citation>`

	require.True(t, r.Apply(m.ID, event.AgentStart{Agent: "research_agent"}))
	require.True(t, r.Apply(m.ID, event.AgentComplete{Agent: "research_agent", Text: text}))
	require.True(t, r.Apply(m.ID, event.End{}))

	got := r.Message(m.ID)
	require.Len(t, got.AgentConversations, 1)
	ac := got.AgentConversations[0]
	assert.Equal(t, "research_agent", ac.Agent)
	require.Len(t, ac.Messages, 1)
	sub := ac.Messages[0]
	assert.Equal(t, "Found it [1]", sub.Content)
	assert.False(t, sub.IsStreaming)
	require.Len(t, sub.Citations, 1)
	assert.Equal(t, "research_agent", sub.Citations[0].OriginAgent)
	assert.Equal(t, domain.AgentFinished, ac.Status())

	require.Len(t, got.CollectedLinks, 1)
	assert.Equal(t, "https://x.com", got.CollectedLinks[0].URL)
	assert.Equal(t, "research_agent", got.CollectedLinks[0].Agent)
}

func TestScenarioErrorKeepsActiveToolCall(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.OrchestratorToken{Token: "partial"})
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolStart, ToolName: "search"})
	r.Apply(m.ID, event.ServerError{Message: "upstream exploded"})

	got := r.Message(m.ID)
	require.Len(t, got.ToolCallEvents, 1)
	assert.Equal(t, domain.ToolCallActive, got.ToolCallEvents[0].Status)
	assert.Equal(t, "Error: upstream exploded", got.Content)
	assert.False(t, got.IsStreaming)
	assert.Equal(t, domain.StatusError, got.Status)
}

func TestServerErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  event.ServerError
		want string
	}{
		{err: event.ServerError{Status: 403, Message: "Forbidden"}, want: "Error: premium subscription required"},
		{err: event.ServerError{Status: 401}, want: "Error: authentication failed"},
		{err: event.ServerError{Status: 500}, want: "Error: something went wrong"},
	}
	for _, tt := range tests {
		r := newTestReducer(t)
		m := r.BeginTurn()
		r.Apply(m.ID, tt.err)
		assert.Equal(t, tt.want, r.Message(m.ID).Content)
	}
}

func TestToolCallMatchesByName(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolStart, ToolName: "toolA"})
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolStart, ToolName: "toolB"})
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolComplete, ToolName: "toolA", Result: []byte(`"ok"`)})

	got := r.Message(m.ID).ToolCallEvents
	require.Len(t, got, 2)
	assert.Equal(t, "toolA-1", got[0].ID)
	assert.Equal(t, domain.ToolCallCompleted, got[0].Status)
	assert.Equal(t, `"ok"`, got[0].Result)
	assert.Equal(t, "toolB-2", got[1].ID)
	assert.Equal(t, domain.ToolCallActive, got[1].Status)
}

func TestToolCallMostRecentActiveWins(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolStart, ToolName: "search"})
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolStart, ToolName: "search"})
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolError, ToolName: "search", Error: "timeout"})
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolComplete, ToolName: "missing"})

	got := r.Message(m.ID).ToolCallEvents
	require.Len(t, got, 2)
	assert.Equal(t, domain.ToolCallActive, got[0].Status)
	assert.Equal(t, domain.ToolCallError, got[1].Status)
	assert.Equal(t, "timeout", got[1].Error)
}

func TestStreamingFlipsOnceAtFinalization(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	events := []event.Event{
		event.OrchestratorStart{Orchestrator: "main"},
		event.OrchestratorToken{Token: "Hi "},
		event.AgentStart{Agent: "a"},
		event.AgentToken{Agent: "a", Token: "x"},
		event.ToolCall{Phase: event.ToolStart, ToolName: "t", Agent: "a"},
		event.ToolCall{Phase: event.ToolComplete, ToolName: "t", Agent: "a"},
		event.AgentComplete{Agent: "a"},
		event.OrchestratorToken{Token: "there"},
		event.OrchestratorComplete{Orchestrator: "main"},
		event.FinalResponse{Citations: 0},
		event.End{},
	}

	flips := 0
	prev := true
	for i, ev := range events {
		require.True(t, r.Apply(m.ID, ev))
		cur := r.Message(m.ID).IsStreaming
		if prev && !cur {
			flips++
			assert.Equal(t, len(events)-1, i, "streaming ended before the terminal event")
		}
		prev = cur
	}
	assert.Equal(t, 1, flips)

	// nothing applies after finalization
	assert.False(t, r.Apply(m.ID, event.OrchestratorToken{Token: "late"}))
	assert.False(t, r.Apply(m.ID, event.End{}))
	assert.Equal(t, "Hi there", r.Message(m.ID).Content)
}

func TestEventsIgnoredAfterError(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.ServerError{Message: "boom"})

	assert.False(t, r.Apply(m.ID, event.OrchestratorToken{Token: "more"}))
	assert.False(t, r.Apply(m.ID, event.End{}))
	got := r.Message(m.ID)
	assert.Equal(t, "Error: boom", got.Content)
	assert.Equal(t, domain.StatusError, got.Status)
}

func TestStaleTurnIsIgnored(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	first := r.BeginTurn()
	r.Apply(first.ID, event.OrchestratorToken{Token: "old <citation source=\"a\""})
	second := r.BeginTurn()

	assert.False(t, r.Apply(first.ID, event.OrchestratorToken{Token: "late"}))
	assert.True(t, r.Apply(second.ID, event.OrchestratorToken{Token: "new"}))

	old := r.Message(first.ID)
	assert.Equal(t, domain.StatusCanceled, old.Status)
	assert.False(t, old.IsStreaming)
	assert.Equal(t, "old ", old.Content)
	assert.Equal(t, second.ID, r.InFlight())
}

func TestCancelCleansPartialContent(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.OrchestratorToken{Token: `Done <citation source="S" url="https://s.example" snippet="x" confidence="1">[4]</citation> and <citation url="https://cut`})

	require.True(t, r.Cancel(m.ID))
	assert.False(t, r.Cancel(m.ID))

	got := r.Message(m.ID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.False(t, got.IsStreaming)
	assert.Equal(t, "Done [1] and ", got.Content)
	require.Len(t, got.Citations, 1)
	assert.Empty(t, r.InFlight())
}

func TestFailUnknownMessage(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	assert.False(t, r.Fail("nope", "x"))
	m := r.BeginTurn()
	r.Apply(m.ID, event.AgentToken{Agent: "a", Token: "t"})
	assert.True(t, r.Fail(m.ID, "connection closed before the response completed"))

	got := r.Message(m.ID)
	assert.Equal(t, "Error: connection closed before the response completed", got.Content)
	assert.False(t, got.AgentConversations[0].Messages[0].IsStreaming)
}

func TestAgentTokensAccumulate(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.AgentToken{Agent: "writer", Token: "Hel"})
	r.Apply(m.ID, event.AgentToken{Agent: "writer", Token: "lo"})

	got := r.Message(m.ID)
	require.Len(t, got.AgentConversations, 1)
	sub := got.AgentConversations[0].Messages[0]
	assert.Equal(t, "Hello", sub.Content)
	assert.True(t, sub.IsStreaming)
	assert.Equal(t, domain.AgentActive, got.AgentConversations[0].Status())

	// empty completion text keeps the accumulated tokens
	r.Apply(m.ID, event.AgentComplete{Agent: "writer"})
	assert.Equal(t, "Hello", r.Message(m.ID).AgentConversations[0].Messages[0].Content)
}

func TestAgentRestartResetsSubMessage(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.AgentStart{Agent: "a", Task: "first"})
	r.Apply(m.ID, event.AgentComplete{Agent: "a", Text: "one"})
	r.Apply(m.ID, event.AgentStart{Agent: "a", Task: "second"})

	got := r.Message(m.ID)
	require.Len(t, got.AgentConversations, 1)
	ac := got.AgentConversations[0]
	assert.Equal(t, "second", ac.Task)
	assert.Empty(t, ac.Messages[0].Content)
	assert.True(t, ac.Messages[0].IsStreaming)
}

func TestReasoningTokensAreNotAccumulated(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.ReasoningToken{Channel: "reasoning", Token: "hmm"})
	r.Apply(m.ID, event.End{})
	assert.Empty(t, r.Message(m.ID).Content)
}

func TestNegotiationAttachedForSpecialist(t *testing.T) {
	t.Parallel()

	block := "Deal!\n```json\n{\"final_price\": 79.99, \"package_id\": \"premium_yearly\", \"negotiation_summary\": \"Annual plan\"}\n```"

	r := newTestReducer(t)
	m := r.BeginTurn()
	r.Apply(m.ID, event.AgentStart{Agent: "pricing_agent"})
	r.Apply(m.ID, event.AgentComplete{Agent: "pricing_agent", Text: block})

	got := r.Message(m.ID)
	require.NotNil(t, got.Negotiation)
	assert.Equal(t, "premium_yearly", got.Negotiation.PackageID)
	assert.Equal(t, "79.99", got.Negotiation.FinalPrice.StringFixed(2))

	r2 := newTestReducer(t)
	m2 := r2.BeginTurn()
	r2.Apply(m2.ID, event.AgentComplete{Agent: "research_agent", Text: block})
	assert.Nil(t, r2.Message(m2.ID).Negotiation)
}

func TestSnapshotIsIsolated(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	r.AppendUser("hi")
	m := r.BeginTurn()
	r.Apply(m.ID, event.ToolCall{Phase: event.ToolStart, ToolName: "t"})

	snap := r.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, domain.RoleUser, snap.Messages[0].Role)
	snap.Messages[1].Content = "mutated"
	snap.Messages[1].ToolCallEvents[0].Status = domain.ToolCallError

	got := r.Message(m.ID)
	assert.Empty(t, got.Content)
	assert.Equal(t, domain.ToolCallActive, got.ToolCallEvents[0].Status)
	assert.Equal(t, "conv-1", r.ID())
}

func TestMainCitationsAndLinks(t *testing.T) {
	t.Parallel()

	r := newTestReducer(t)
	m := r.BeginTurn()
	content := `See <citation source="A" url="https://a.example" snippet="s" confidence="0.7">[9]</citation> and [docs](https://docs.example)`
	for _, tok := range strings.SplitAfter(content, " ") {
		r.Apply(m.ID, event.OrchestratorToken{Token: tok})
	}
	r.Apply(m.ID, event.End{})

	got := r.Message(m.ID)
	assert.Equal(t, "See [1] and [docs](https://docs.example)", got.Content)
	require.Len(t, got.Citations, 1)
	assert.Equal(t, domain.MainAgent, got.Citations[0].OriginAgent)
	require.Len(t, got.CollectedLinks, 2)
	assert.Equal(t, domain.LinkCitation, got.CollectedLinks[0].Type)
	assert.Equal(t, domain.LinkPlain, got.CollectedLinks[1].Type)
}

func TestRestoreSeedsEmptyConversation(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	persisted := []*domain.Message{
		{ID: "u1", Role: domain.RoleUser, Content: "hi", Status: domain.StatusComplete, CreatedAt: at},
		{ID: "a1", Role: domain.RoleAssistant, Content: "cut", Status: domain.StatusStreaming, IsStreaming: true},
		nil,
		{ID: "a2", Role: domain.RoleAssistant, Content: "Hello", Status: domain.StatusComplete},
	}

	r := newTestReducer(t)
	require.Equal(t, 2, r.Restore(persisted))

	conv := r.Snapshot()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, at, conv.CreatedAt)
	persisted[3].Content = "mutated"
	assert.Equal(t, "Hello", r.Snapshot().Messages[1].Content)

	// a new turn continues after the restored history
	m := r.BeginTurn()
	applyWire(t, r, m.ID, "data: {\"type\":\"end\"}\n")
	assert.Len(t, r.Snapshot().Messages, 3)

	// only an empty conversation is seeded
	assert.Equal(t, 3, r.Restore(persisted))
	assert.Len(t, r.Snapshot().Messages, 3)
}
