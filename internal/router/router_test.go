package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geistlabs/geistai-sub001/internal/event"
	"github.com/geistlabs/geistai-sub001/internal/stream"
)

// wire builds a WireEvent the way the decoder does for one data line.
func wire(t *testing.T, line string) stream.WireEvent {
	t.Helper()
	var events []stream.WireEvent
	d := stream.NewDecoder(nil, stream.WithErrorHandler(func(err error) {
		t.Fatalf("decoder rejected %q: %v", line, err)
	}))
	events = d.Feed("data: " + line + "\n")
	require.Len(t, events, 1)
	return events[0]
}

func route(t *testing.T, line string) []event.Event {
	t.Helper()
	events, err := New().Route(wire(t, line))
	require.NoError(t, err)
	return events
}

func TestRouteTopLevelEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want []event.Event
	}{
		{
			name: "orchestrator start",
			line: `{"type":"orchestrator_start","data":{"orchestrator":"main"}}`,
			want: []event.Event{event.OrchestratorStart{Orchestrator: "main"}},
		},
		{
			name: "content token",
			line: `{"type":"orchestrator_token","data":{"channel":"content","data":"Hello"}}`,
			want: []event.Event{event.OrchestratorToken{Token: "Hello"}},
		},
		{
			name: "reasoning token is kept apart",
			line: `{"type":"orchestrator_token","data":{"channel":"reasoning","data":"thinking"}}`,
			want: []event.Event{event.ReasoningToken{Channel: "reasoning", Token: "thinking"}},
		},
		{
			name: "empty token is skipped",
			line: `{"type":"orchestrator_token","data":{"channel":"content","data":""}}`,
			want: nil,
		},
		{
			name: "agent start",
			line: `{"type":"agent_start","data":{"agent":"research_agent","input":"find prices","context":{"k":1}}}`,
			want: []event.Event{event.AgentStart{Agent: "research_agent", Task: "find prices", Context: `{"k":1}`}},
		},
		{
			name: "agent token content variant",
			line: `{"type":"agent_token","data":{"agent":"research_agent","content":"abc"}}`,
			want: []event.Event{event.AgentToken{Agent: "research_agent", Token: "abc"}},
		},
		{
			name: "agent token channel variant",
			line: `{"type":"agent_token","data":{"agent":"research_agent","channel":"content","data":"abc"}}`,
			want: []event.Event{event.AgentToken{Agent: "research_agent", Token: "abc"}},
		},
		{
			name: "agent complete",
			line: `{"type":"agent_complete","data":{"agent":"research_agent","text":"done"}}`,
			want: []event.Event{event.AgentComplete{Agent: "research_agent", Text: "done"}},
		},
		{
			name: "final response",
			line: `{"type":"final_response","data":{"citations":3}}`,
			want: []event.Event{event.FinalResponse{Citations: 3}},
		},
		{
			name: "final response with citation list",
			line: `{"type":"final_response","data":{"citations":[{},{}]}}`,
			want: []event.Event{event.FinalResponse{Citations: 2}},
		},
		{
			name: "error nested",
			line: `{"type":"error","data":{"message":"quota exceeded"}}`,
			want: []event.Event{event.ServerError{Message: "quota exceeded"}},
		},
		{
			name: "error flat with status",
			line: `{"type":"error","message":"forbidden","status":403}`,
			want: []event.Event{event.ServerError{Status: 403, Message: "forbidden"}},
		},
		{
			name: "end",
			line: `{"type":"end"}`,
			want: []event.Event{event.End{}},
		},
		{
			name: "end with trailing payload",
			line: `{"type":"end","data":{"content":" bye"}}`,
			want: []event.Event{event.OrchestratorToken{Token: " bye"}, event.End{}},
		},
		{
			name: "end with scalar trailing payload",
			line: `{"type":"end","data":"!"}`,
			want: []event.Event{event.OrchestratorToken{Token: "!"}, event.End{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, route(t, tt.line))
		})
	}
}

func TestRouteToolCallEvent(t *testing.T) {
	t.Parallel()

	events := route(t, `{"type":"tool_call_event","data":{"type":"tool_call_start","tool_name":"search","arguments":{"q":"go"}}}`)
	require.Len(t, events, 1)
	tc, ok := events[0].(event.ToolCall)
	require.True(t, ok)
	assert.Equal(t, event.ToolStart, tc.Phase)
	assert.Equal(t, "search", tc.ToolName)
	assert.Empty(t, tc.Agent)
	assert.JSONEq(t, `{"q":"go"}`, string(tc.Arguments))

	events = route(t, `{"type":"tool_call_event","data":{"type":"tool_call_error","tool_name":"search","error":"timeout"}}`)
	require.Len(t, events, 1)
	tc = events[0].(event.ToolCall)
	assert.Equal(t, event.ToolError, tc.Phase)
	assert.Equal(t, "timeout", tc.Error)

	events = route(t, `{"type":"tool_call_complete","data":{"tool_name":"fetch","result":"ok"}}`)
	require.Len(t, events, 1)
	tc = events[0].(event.ToolCall)
	assert.Equal(t, event.ToolComplete, tc.Phase)
	assert.Equal(t, json.RawMessage(`"ok"`), tc.Result)
}

func TestRouteSubAgentEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want event.Event
	}{
		{
			name: "nested start",
			line: `{"type":"sub_agent_event","data":{"agent":"pricing_agent","data":{"type":"agent_start","data":{"input":"negotiate"}}}}`,
			want: event.AgentStart{Agent: "pricing_agent", Task: "negotiate"},
		},
		{
			name: "nested orchestrator token is scoped to the agent",
			line: `{"type":"sub_agent_event","data":{"agent":"pricing_agent","data":{"type":"orchestrator_token","data":{"channel":"content","data":"hi"}}}}`,
			want: event.AgentToken{Agent: "pricing_agent", Token: "hi"},
		},
		{
			name: "nested token with scalar data",
			line: `{"type":"sub_agent_event","data":{"agent":"pricing_agent","data":{"type":"agent_token","data":"hi"}}}`,
			want: event.AgentToken{Agent: "pricing_agent", Token: "hi"},
		},
		{
			name: "nested reasoning",
			line: `{"type":"sub_agent_event","data":{"agent":"pricing_agent","data":{"type":"agent_token","channel":"reasoning","data":"hmm"}}}`,
			want: event.ReasoningToken{Agent: "pricing_agent", Channel: "reasoning", Token: "hmm"},
		},
		{
			name: "nested complete",
			line: `{"type":"sub_agent_event","data":{"agent":"pricing_agent","data":{"type":"agent_complete","data":{"text":"final"}}}}`,
			want: event.AgentComplete{Agent: "pricing_agent", Text: "final"},
		},
		{
			name: "nested tool call event",
			line: `{"type":"sub_agent_event","data":{"agent":"research_agent","data":{"type":"tool_call_event","data":{"type":"tool_call_start","tool_name":"search"}}}}`,
			want: event.ToolCall{Phase: event.ToolStart, ToolName: "search", Agent: "research_agent"},
		},
		{
			name: "nested bare tool call",
			line: `{"type":"sub_agent_event","data":{"agent":"research_agent","data":{"type":"tool_call_complete","data":{"tool_name":"search"}}}}`,
			want: event.ToolCall{Phase: event.ToolComplete, ToolName: "search", Agent: "research_agent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			events := route(t, tt.line)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0])
		})
	}
}

func TestRouteProtocolErrors(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"type":"brand_new_event","data":{}}`,
		`{"type":"agent_start","data":{"input":"no agent"}}`,
		`{"type":"tool_call_event","data":{"type":"tool_call_start"}}`,
		`{"type":"tool_call_event","data":{"type":"tool_call_paused","tool_name":"x"}}`,
		`{"type":"sub_agent_event","data":{"data":{"type":"agent_start"}}}`,
		`{"type":"sub_agent_event","data":{"agent":"a"}}`,
		`{"type":"sub_agent_event","data":{"agent":"a","data":{"type":"end"}}}`,
		`{"type":"sub_agent_event","data":{"agent":"a","data":{"type":"error","data":{"message":"x"}}}}`,
	}

	r := New()
	for _, line := range lines {
		events, err := r.Route(wire(t, line))
		assert.Nil(t, events, line)
		var perr *stream.ProtocolError
		assert.True(t, errors.As(err, &perr), line)
	}
}

func TestRouteAgentBesideEnvelopeType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want event.Event
	}{
		{
			name: "agent token",
			line: `{"type":"agent_token","agent":"research_agent","data":{"channel":"content","data":"x"}}`,
			want: event.AgentToken{Agent: "research_agent", Token: "x"},
		},
		{
			name: "agent complete",
			line: `{"type":"agent_complete","agent":"research_agent","data":{"text":"done"}}`,
			want: event.AgentComplete{Agent: "research_agent", Text: "done"},
		},
		{
			name: "agent start",
			line: `{"type":"agent_start","agent":"research_agent","data":{"input":"look"}}`,
			want: event.AgentStart{Agent: "research_agent", Task: "look"},
		},
		{
			name: "sub agent envelope holding the nested event",
			line: `{"type":"sub_agent_event","agent":"research_agent","data":{"type":"agent_token","data":"hi"}}`,
			want: event.AgentToken{Agent: "research_agent", Token: "hi"},
		},
		{
			name: "sub agent envelope holding a nested tool call",
			line: `{"type":"sub_agent_event","agent":"research_agent","data":{"type":"tool_call_start","data":{"tool_name":"search"}}}`,
			want: event.ToolCall{Phase: event.ToolStart, ToolName: "search", Agent: "research_agent"},
		},
		{
			name: "payload agent wins over envelope agent",
			line: `{"type":"agent_token","agent":"outer","data":{"agent":"inner","content":"x"}}`,
			want: event.AgentToken{Agent: "inner", Token: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			events := route(t, tt.line)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0])
		})
	}
}

func TestRouteFlatSubAgentEnvelopeRejectsTerminalEvents(t *testing.T) {
	t.Parallel()

	events, err := New().Route(wire(t, `{"type":"sub_agent_event","agent":"a","data":{"type":"end"}}`))
	assert.Nil(t, events)
	var perr *stream.ProtocolError
	assert.True(t, errors.As(err, &perr))
}
