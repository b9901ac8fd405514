package domain

import (
	"time"
)

// AgentStatus is derived from the streaming state of an agent's messages.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentFinished AgentStatus = "finished"
)

// AgentConversation is the sub-conversation of one named sub-agent within a turn.
type AgentConversation struct {
	Agent     string     `json:"agent"`
	Task      string     `json:"task,omitempty"`
	Context   string     `json:"context,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Messages  []*Message `json:"messages"`
}

// Status is active while any contained message is streaming.
func (a *AgentConversation) Status() AgentStatus {
	for _, m := range a.Messages {
		if m.IsStreaming {
			return AgentActive
		}
	}
	return AgentFinished
}

// Clone returns a deep copy.
func (a *AgentConversation) Clone() *AgentConversation {
	c := *a
	c.Messages = make([]*Message, len(a.Messages))
	for i, m := range a.Messages {
		c.Messages[i] = m.Clone()
	}
	return &c
}

// ToolCallStatus is the lifecycle state of a tool invocation.
type ToolCallStatus string

const (
	ToolCallActive    ToolCallStatus = "active"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallEvent records one tool invocation. Status moves from active to
// completed or error exactly once.
type ToolCallEvent struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Agent     string         `json:"agent,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Arguments string         `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
