// Package router maps decoded wire events onto the domain event taxonomy.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/geistlabs/geistai-sub001/internal/event"
	"github.com/geistlabs/geistai-sub001/internal/stream"
)

// Wire discriminants.
const (
	WireOrchestratorStart    = "orchestrator_start"
	WireOrchestratorToken    = "orchestrator_token"
	WireOrchestratorComplete = "orchestrator_complete"
	WireAgentStart           = "agent_start"
	WireAgentToken           = "agent_token"
	WireAgentComplete        = "agent_complete"
	WireToolCallEvent        = "tool_call_event"
	WireToolCallStart        = "tool_call_start"
	WireToolCallComplete     = "tool_call_complete"
	WireToolCallError        = "tool_call_error"
	WireSubAgentEvent        = "sub_agent_event"
	WireFinalResponse        = "final_response"
	WireError                = "error"
	WireEnd                  = stream.EventEnd

	contentChannel = "content"
)

var toolPhases = map[string]event.ToolPhase{
	WireToolCallStart:    event.ToolStart,
	WireToolCallComplete: event.ToolComplete,
	WireToolCallError:    event.ToolError,
}

type handlerFunc func(r *Router, name string, payload object) ([]event.Event, error)

// Router is stateless; one instance may serve any number of streams.
type Router struct {
	handlers map[string]handlerFunc
}

// New creates a Router for the orchestrator wire taxonomy.
func New() *Router {
	return &Router{
		handlers: map[string]handlerFunc{
			WireOrchestratorStart:    routeOrchestratorStart,
			WireOrchestratorToken:    routeOrchestratorToken,
			WireOrchestratorComplete: routeOrchestratorComplete,
			WireAgentStart:           routeAgentStart,
			WireAgentToken:           routeAgentToken,
			WireAgentComplete:        routeAgentComplete,
			WireToolCallEvent:        routeToolCallEvent,
			WireToolCallStart:        routeToolCallEvent,
			WireToolCallComplete:     routeToolCallEvent,
			WireToolCallError:        routeToolCallEvent,
			WireSubAgentEvent:        routeSubAgentEvent,
			WireFinalResponse:        routeFinalResponse,
			WireError:                routeError,
			WireEnd:                  routeEnd,
		},
	}
}

// Route converts one wire event into zero or more domain events. Any error
// is a *stream.ProtocolError: the caller logs it and moves on.
func (r *Router) Route(w stream.WireEvent) ([]event.Event, error) {
	handler, ok := r.handlers[w.Name]
	if !ok {
		return nil, &stream.ProtocolError{Event: w.Name, Reason: "unrecognized event discriminant"}
	}

	payload, err := parseObject(payloadOf(w))
	if err != nil {
		// scalar data member, e.g. {"type":"end","data":"tail"}
		if payload, err = parseObject(w.Raw); err != nil {
			return nil, &stream.ProtocolError{Event: w.Name, Reason: "invalid payload", Err: err}
		}
	} else if envelope, envErr := parseObject(w.Raw); envErr == nil {
		// {"type":"agent_token","agent":"a","data":{...}} keeps "agent"
		payload.inherit(envelope, "type", "data")
	}
	return handler(r, w.Name, payload)
}

// payloadOf prefers the envelope's data member and falls back to the flat
// object for events that carry their fields next to "type".
func payloadOf(w stream.WireEvent) json.RawMessage {
	if len(w.Payload) > 0 && !isNull(w.Payload) {
		return w.Payload
	}
	return w.Raw
}

func protocolErr(name, format string, args ...any) error {
	return &stream.ProtocolError{Event: name, Reason: fmt.Sprintf(format, args...)}
}

func routeOrchestratorStart(_ *Router, _ string, p object) ([]event.Event, error) {
	return []event.Event{event.OrchestratorStart{Orchestrator: p.text("orchestrator", "name")}}, nil
}

func routeOrchestratorComplete(_ *Router, _ string, p object) ([]event.Event, error) {
	return []event.Event{event.OrchestratorComplete{Orchestrator: p.text("orchestrator", "name")}}, nil
}

func routeOrchestratorToken(_ *Router, _ string, p object) ([]event.Event, error) {
	return tokenEvents("", p), nil
}

func routeAgentStart(_ *Router, name string, p object) ([]event.Event, error) {
	agent := p.text("agent")
	if agent == "" {
		return nil, protocolErr(name, "missing agent name")
	}
	return []event.Event{agentStart(agent, p)}, nil
}

func routeAgentToken(_ *Router, name string, p object) ([]event.Event, error) {
	agent := p.text("agent")
	if agent == "" {
		return nil, protocolErr(name, "missing agent name")
	}
	return tokenEvents(agent, p), nil
}

func routeAgentComplete(_ *Router, name string, p object) ([]event.Event, error) {
	agent := p.text("agent")
	if agent == "" {
		return nil, protocolErr(name, "missing agent name")
	}
	return []event.Event{agentComplete(agent, p)}, nil
}

func routeToolCallEvent(_ *Router, name string, p object) ([]event.Event, error) {
	ev, err := toolCall(name, p, p.text("agent"))
	if err != nil {
		return nil, err
	}
	return []event.Event{ev}, nil
}

func routeFinalResponse(_ *Router, _ string, p object) ([]event.Event, error) {
	count := p.int("citations", "citation_count")
	if count == 0 {
		var list []json.RawMessage
		if err := json.Unmarshal(p.raw("citations"), &list); err == nil {
			count = len(list)
		}
	}
	return []event.Event{event.FinalResponse{Citations: count}}, nil
}

func routeError(_ *Router, _ string, p object) ([]event.Event, error) {
	return []event.Event{event.ServerError{
		Status:  p.int("status", "status_code", "code"),
		Message: p.text("message", "error", "detail", "data"),
	}}, nil
}

func routeEnd(_ *Router, _ string, p object) ([]event.Event, error) {
	var events []event.Event
	if trailing, ok := p.str("content", "text", "data"); ok && trailing != "" {
		events = append(events, event.OrchestratorToken{Token: trailing})
	}
	return append(events, event.End{}), nil
}

// routeSubAgentEvent unwraps {agent, data:{type, data}} and scopes the nested
// event to the envelope's agent. The agent may also sit next to the envelope's
// own type, with data holding the nested event.
func routeSubAgentEvent(_ *Router, name string, p object) ([]event.Event, error) {
	agent := p.text("agent")
	if agent == "" {
		return nil, protocolErr(name, "missing agent name")
	}
	inner, ok := p.child("data")
	if _, typed := p.str("type"); typed {
		// flat envelope: the data member was the nested event itself
		inner, ok = p, true
	}
	if !ok {
		return nil, protocolErr(name, "missing nested event")
	}
	innerType, _ := inner.str("type")
	if innerType == "" {
		return nil, protocolErr(name, "nested event has no type")
	}
	nested := inner
	if child, ok := inner.child("data"); ok {
		nested = child
	} else if s, ok := inner.str("data"); ok {
		// token shape where data is the text itself
		nested = object{"data": mustJSON(s)}
		if ch, ok := inner.str("channel"); ok {
			nested["channel"] = mustJSON(ch)
		}
	}

	switch innerType {
	case WireOrchestratorStart, WireAgentStart:
		return []event.Event{agentStart(agent, nested)}, nil
	case WireOrchestratorToken, WireAgentToken:
		return tokenEvents(agent, nested), nil
	case WireOrchestratorComplete, WireAgentComplete:
		return []event.Event{agentComplete(agent, nested)}, nil
	case WireToolCallEvent, WireToolCallStart, WireToolCallComplete, WireToolCallError:
		ev, err := toolCall(innerType, nested, agent)
		if err != nil {
			return nil, err
		}
		return []event.Event{ev}, nil
	default:
		return nil, protocolErr(name, "unsupported nested event %q", innerType)
	}
}

func agentStart(agent string, p object) event.AgentStart {
	return event.AgentStart{
		Agent:   agent,
		Task:    p.text("input", "task"),
		Context: p.text("context"),
	}
}

func agentComplete(agent string, p object) event.AgentComplete {
	return event.AgentComplete{Agent: agent, Text: p.text("text", "content", "output")}
}

// tokenEvents handles both {channel, data} and {content} token shapes. Only
// the content channel (or no channel at all) feeds message content.
func tokenEvents(agent string, p object) []event.Event {
	channel, _ := p.str("channel")
	token, ok := p.str("data")
	if !ok {
		token, _ = p.str("content", "token")
	}
	if token == "" {
		return nil
	}
	if channel != "" && channel != contentChannel {
		return []event.Event{event.ReasoningToken{Agent: agent, Channel: channel, Token: token}}
	}
	if agent == "" {
		return []event.Event{event.OrchestratorToken{Token: token}}
	}
	return []event.Event{event.AgentToken{Agent: agent, Token: token}}
}

// toolCall normalizes a tool lifecycle payload. The phase comes from the
// payload's own type, or from the wire name for bare tool_call_* events.
func toolCall(name string, p object, agent string) (event.ToolCall, error) {
	body := p
	if !p.has("tool_name") && !p.has("name") {
		if inner, ok := p.child("data"); ok {
			body = inner
		}
	}

	phaseName, _ := p.str("type")
	if phaseName == "" || phaseName == WireToolCallEvent {
		phaseName, _ = body.str("type")
	}
	if phaseName == "" {
		phaseName = name
	}
	phase, ok := toolPhases[phaseName]
	if !ok {
		return event.ToolCall{}, protocolErr(name, "unknown tool call phase %q", phaseName)
	}

	tool := body.text("tool_name", "name")
	if tool == "" {
		return event.ToolCall{}, protocolErr(name, "missing tool_name")
	}
	if agent == "" {
		agent = body.text("agent")
	}
	return event.ToolCall{
		Phase:     phase,
		ToolName:  tool,
		Agent:     agent,
		Arguments: body.raw("arguments"),
		Result:    body.raw("result"),
		Error:     body.text("error"),
	}, nil
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
