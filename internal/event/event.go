// Package event defines the closed set of domain events the router produces
// and the reducer consumes.
package event

import (
	"encoding/json"
	"net/http"
)

// Kind names a domain event variant.
type Kind string

const (
	KindOrchestratorStart    Kind = "orchestrator_start"
	KindOrchestratorToken    Kind = "orchestrator_token"
	KindOrchestratorComplete Kind = "orchestrator_complete"
	KindReasoningToken       Kind = "reasoning_token"
	KindAgentStart           Kind = "agent_start"
	KindAgentToken           Kind = "agent_token"
	KindAgentComplete        Kind = "agent_complete"
	KindToolCall             Kind = "tool_call"
	KindFinalResponse        Kind = "final_response"
	KindServerError          Kind = "server_error"
	KindEnd                  Kind = "end"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// OrchestratorStart marks the beginning of the top-level turn.
type OrchestratorStart struct {
	Orchestrator string
}

// OrchestratorToken appends content to the in-flight message.
type OrchestratorToken struct {
	Token string
}

// OrchestratorComplete marks the end of top-level text, before finalization.
type OrchestratorComplete struct {
	Orchestrator string
}

// ReasoningToken carries a token from a non-content channel. It is never
// accumulated into message content.
type ReasoningToken struct {
	Agent   string
	Channel string
	Token   string
}

// AgentStart begins (or restarts) a sub-agent's turn.
type AgentStart struct {
	Agent   string
	Task    string
	Context string
}

// AgentToken appends content to a sub-agent's message.
type AgentToken struct {
	Agent string
	Token string
}

// AgentComplete ends a sub-agent's turn. An empty Text keeps the tokens
// accumulated so far.
type AgentComplete struct {
	Agent string
	Text  string
}

// ToolPhase is the lifecycle signal of a tool call.
type ToolPhase string

const (
	ToolStart    ToolPhase = "start"
	ToolComplete ToolPhase = "complete"
	ToolError    ToolPhase = "error"
)

// ToolCall is a normalized tool lifecycle signal. Agent is set when the call
// was delivered inside a sub-agent envelope.
type ToolCall struct {
	Phase     ToolPhase
	ToolName  string
	Agent     string
	Arguments json.RawMessage
	Result    json.RawMessage
	Error     string
}

// FinalResponse is informational; it reports how many citations the server emitted.
type FinalResponse struct {
	Citations int
}

// ServerError terminates the turn abnormally. Status is the HTTP status when
// known, zero for in-band errors without one.
type ServerError struct {
	Status  int
	Message string
}

// UserMessage maps the error onto the text shown to the user.
func (e ServerError) UserMessage() string {
	switch e.Status {
	case http.StatusForbidden:
		return "premium subscription required"
	case http.StatusUnauthorized:
		return "authentication failed"
	}
	if e.Message != "" {
		return e.Message
	}
	return "something went wrong"
}

// End is the successful terminal event.
type End struct{}

func (OrchestratorStart) Kind() Kind    { return KindOrchestratorStart }
func (OrchestratorToken) Kind() Kind    { return KindOrchestratorToken }
func (OrchestratorComplete) Kind() Kind { return KindOrchestratorComplete }
func (ReasoningToken) Kind() Kind       { return KindReasoningToken }
func (AgentStart) Kind() Kind           { return KindAgentStart }
func (AgentToken) Kind() Kind           { return KindAgentToken }
func (AgentComplete) Kind() Kind        { return KindAgentComplete }
func (ToolCall) Kind() Kind             { return KindToolCall }
func (FinalResponse) Kind() Kind        { return KindFinalResponse }
func (ServerError) Kind() Kind          { return KindServerError }
func (End) Kind() Kind                  { return KindEnd }

func (OrchestratorStart) sealed()    {}
func (OrchestratorToken) sealed()    {}
func (OrchestratorComplete) sealed() {}
func (ReasoningToken) sealed()       {}
func (AgentStart) sealed()           {}
func (AgentToken) sealed()           {}
func (AgentComplete) sealed()        {}
func (ToolCall) sealed()             {}
func (FinalResponse) sealed()        {}
func (ServerError) sealed()          {}
func (End) sealed()                  {}

// IsTerminal reports whether ev ends the turn.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case End, ServerError:
		return true
	}
	return false
}
