// Package domain contains the conversation state tree rebuilt from the orchestrator stream.
package domain

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	// StatusStreaming means content is still being appended.
	StatusStreaming MessageStatus = "streaming"
	// StatusComplete means the message was finalized by the terminal event.
	StatusComplete MessageStatus = "complete"
	// StatusError means the turn failed; Content holds the formatted error.
	StatusError MessageStatus = "error"
	// StatusCanceled means the caller aborted the turn mid-stream.
	StatusCanceled MessageStatus = "canceled"
)

// Message is one entry of a conversation. Content is mutable while
// IsStreaming is true and immutable once the message reaches a terminal status.
type Message struct {
	ID                 string               `json:"id"`
	Role               Role                 `json:"role"`
	Content            string               `json:"content"`
	IsStreaming        bool                 `json:"is_streaming"`
	Status             MessageStatus        `json:"status"`
	Citations          []Citation           `json:"citations,omitempty"`
	AgentConversations []*AgentConversation `json:"agent_conversations,omitempty"`
	ToolCallEvents     []*ToolCallEvent     `json:"tool_call_events,omitempty"`
	CollectedLinks     []CollectedLink      `json:"collected_links,omitempty"`
	Negotiation        *NegotiationResult   `json:"negotiation,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// IsTerminal reports whether the message can no longer be mutated.
func (m *Message) IsTerminal() bool {
	switch m.Status {
	case StatusComplete, StatusError, StatusCanceled:
		return true
	}
	return false
}

// AgentConversation returns the sub-conversation for agent, or nil.
func (m *Message) AgentConversation(agent string) *AgentConversation {
	for _, ac := range m.AgentConversations {
		if ac.Agent == agent {
			return ac
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers outside the reducer.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Citations = append([]Citation(nil), m.Citations...)
	c.CollectedLinks = append([]CollectedLink(nil), m.CollectedLinks...)
	if m.AgentConversations != nil {
		c.AgentConversations = make([]*AgentConversation, len(m.AgentConversations))
		for i, ac := range m.AgentConversations {
			c.AgentConversations[i] = ac.Clone()
		}
	}
	if m.ToolCallEvents != nil {
		c.ToolCallEvents = make([]*ToolCallEvent, len(m.ToolCallEvents))
		for i, tc := range m.ToolCallEvents {
			cp := *tc
			c.ToolCallEvents[i] = &cp
		}
	}
	if m.Negotiation != nil {
		n := *m.Negotiation
		c.Negotiation = &n
	}
	return &c
}

// Conversation is an ordered sequence of messages; insertion order is turn order.
type Conversation struct {
	ID        string     `json:"id"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
}

// Message returns the message with the given id, or nil.
func (c *Conversation) Message(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{ID: c.ID, CreatedAt: c.CreatedAt, Messages: make([]*Message, len(c.Messages))}
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// IndexEntry is the searchable record of a finalized message.
type IndexEntry struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}
