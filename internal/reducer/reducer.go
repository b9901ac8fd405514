// Package reducer owns the conversation state tree and applies domain events
// to the in-flight assistant message.
package reducer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geistlabs/geistai-sub001/internal/citation"
	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/event"
	"github.com/geistlabs/geistai-sub001/internal/links"
	"github.com/geistlabs/geistai-sub001/internal/negotiation"
)

// ErrorPrefix is prepended to the user-facing message of a failed turn.
const ErrorPrefix = "Error: "

// Reducer is the only writer of its conversation. All methods are safe for
// concurrent use; events for one turn must still be applied in arrival order.
type Reducer struct {
	mu       sync.Mutex
	conv     *domain.Conversation
	inflight *domain.Message
	toolSeq  int

	links       *links.Collector
	negotiation *negotiation.Parser
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithLinkCollector sets the collector run at finalization.
func WithLinkCollector(c *links.Collector) Option {
	return func(r *Reducer) { r.links = c }
}

// WithNegotiationParser sets the parser applied to the pricing specialist's final text.
func WithNegotiationParser(p *negotiation.Parser) Option {
	return func(r *Reducer) { r.negotiation = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reducer) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Reducer) { r.newID = fn }
}

// New creates a Reducer for an empty conversation. An empty id gets a random one.
func New(conversationID string, opts ...Option) *Reducer {
	r := &Reducer{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.links == nil {
		r.links = links.New(0, r.logger)
	}
	if r.negotiation == nil {
		r.negotiation = negotiation.NewParser("", nil, r.logger)
	}
	if conversationID == "" {
		conversationID = r.newID()
	}
	r.conv = &domain.Conversation{ID: conversationID, CreatedAt: r.now()}
	r.logger = r.logger.With("conversation_id", conversationID)
	return r
}

// ID returns the conversation id.
func (r *Reducer) ID() string {
	return r.conv.ID
}

// Restore seeds an empty conversation with previously persisted messages in
// order. Messages that are not terminal are skipped. It returns how many
// messages the conversation holds afterwards; a conversation that already has
// messages is left untouched.
func (r *Reducer) Restore(msgs []*domain.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conv.Messages) > 0 {
		return len(r.conv.Messages)
	}
	for _, m := range msgs {
		if m == nil || !m.IsTerminal() {
			continue
		}
		r.conv.Messages = append(r.conv.Messages, m.Clone())
	}
	if len(r.conv.Messages) > 0 {
		r.conv.CreatedAt = r.conv.Messages[0].CreatedAt
	}
	return len(r.conv.Messages)
}

// Snapshot returns a deep copy of the conversation.
func (r *Reducer) Snapshot() *domain.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv.Clone()
}

// Message returns a copy of the message with the given id, or nil.
func (r *Reducer) Message(id string) *domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv.Message(id).Clone()
}

// InFlight returns the id of the streaming assistant message, or "".
func (r *Reducer) InFlight() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == nil || r.inflight.IsTerminal() {
		return ""
	}
	return r.inflight.ID
}

// AppendUser records a user message.
func (r *Reducer) AppendUser(text string) *domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &domain.Message{
		ID:        r.newID(),
		Role:      domain.RoleUser,
		Content:   text,
		Status:    domain.StatusComplete,
		CreatedAt: r.now(),
	}
	r.conv.Messages = append(r.conv.Messages, m)
	return m.Clone()
}

// BeginTurn appends a streaming assistant message and makes it the in-flight
// turn. A turn still streaming is canceled first.
func (r *Reducer) BeginTurn() *domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.inflight; prev != nil && !prev.IsTerminal() {
		r.logger.Info("superseding in-flight turn", "message_id", prev.ID)
		r.cancel(prev)
	}

	m := &domain.Message{
		ID:          r.newID(),
		Role:        domain.RoleAssistant,
		IsStreaming: true,
		Status:      domain.StatusStreaming,
		CreatedAt:   r.now(),
	}
	r.conv.Messages = append(r.conv.Messages, m)
	r.inflight = m
	r.toolSeq = 0
	return m.Clone()
}

// Apply mutates the in-flight message for one event. It returns false when
// the event was ignored because messageID is not the in-flight turn or the
// turn already reached a terminal status.
func (r *Reducer) Apply(messageID string, ev event.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.target(messageID)
	if m == nil {
		r.logger.Debug("ignoring event for inactive turn", "message_id", messageID, "kind", ev.Kind())
		return false
	}

	switch e := ev.(type) {
	case event.OrchestratorToken:
		m.Content += e.Token
	case event.AgentStart:
		r.startAgent(m, e)
	case event.AgentToken:
		sub := r.agentMessage(m, e.Agent)
		sub.Content += e.Token
		sub.IsStreaming = true
		sub.Status = domain.StatusStreaming
	case event.AgentComplete:
		r.completeAgent(m, e)
	case event.ToolCall:
		r.toolCall(m, e)
	case event.ServerError:
		r.fail(m, e.UserMessage())
	case event.End:
		r.finalize(m)
	case event.OrchestratorStart, event.OrchestratorComplete, event.ReasoningToken, event.FinalResponse:
		// observable only
	default:
		r.logger.Warn("unhandled event kind", "kind", ev.Kind())
	}
	return true
}

// Cancel stops the turn. Partial content is cleaned once and the message is
// marked canceled.
func (r *Reducer) Cancel(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.target(messageID)
	if m == nil {
		return false
	}
	r.cancel(m)
	return true
}

// Fail replaces the turn's content with "Error: <reason>". Tool calls keep
// their last known status.
func (r *Reducer) Fail(messageID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.target(messageID)
	if m == nil {
		return false
	}
	r.fail(m, reason)
	return true
}

func (r *Reducer) target(messageID string) *domain.Message {
	m := r.inflight
	if m == nil || m.ID != messageID || m.IsTerminal() {
		return nil
	}
	return m
}

func (r *Reducer) newAgent(m *domain.Message, agent string) *domain.AgentConversation {
	ac := &domain.AgentConversation{
		Agent:     agent,
		Timestamp: r.now(),
		Messages: []*domain.Message{{
			ID:          r.newID(),
			Role:        domain.RoleAssistant,
			IsStreaming: true,
			Status:      domain.StatusStreaming,
			CreatedAt:   r.now(),
		}},
	}
	m.AgentConversations = append(m.AgentConversations, ac)
	return ac
}

func (r *Reducer) startAgent(m *domain.Message, e event.AgentStart) {
	ac := m.AgentConversation(e.Agent)
	if ac == nil {
		ac = r.newAgent(m, e.Agent)
	} else {
		r.logger.Debug("agent restarted within turn", "agent", e.Agent)
		sub := ac.Messages[0]
		sub.Content = ""
		sub.Citations = nil
		sub.IsStreaming = true
		sub.Status = domain.StatusStreaming
		ac.Timestamp = r.now()
	}
	ac.Task = e.Task
	ac.Context = e.Context
}

// agentMessage returns the first sub-message of agent, creating the agent
// conversation when tokens arrive without a start.
func (r *Reducer) agentMessage(m *domain.Message, agent string) *domain.Message {
	ac := m.AgentConversation(agent)
	if ac == nil {
		r.logger.Debug("agent event without start", "agent", agent)
		ac = r.newAgent(m, agent)
	}
	return ac.Messages[0]
}

func (r *Reducer) completeAgent(m *domain.Message, e event.AgentComplete) {
	sub := r.agentMessage(m, e.Agent)
	if e.Text != "" {
		sub.Content = e.Text
	}
	sub.IsStreaming = false
	sub.Status = domain.StatusComplete

	if !r.negotiation.Handles(e.Agent) {
		return
	}
	if res, ok := r.negotiation.Parse(sub.Content); ok {
		m.Negotiation = res
		r.logger.Info("negotiation result attached",
			"message_id", m.ID,
			"package_id", res.PackageID,
			"final_price", res.FinalPrice.String(),
		)
	}
}

func (r *Reducer) toolCall(m *domain.Message, e event.ToolCall) {
	if e.Phase == event.ToolStart {
		r.toolSeq++
		m.ToolCallEvents = append(m.ToolCallEvents, &domain.ToolCallEvent{
			ID:        fmt.Sprintf("%s-%d", e.ToolName, r.toolSeq),
			ToolName:  e.ToolName,
			Agent:     e.Agent,
			Status:    domain.ToolCallActive,
			Arguments: string(e.Arguments),
			Timestamp: r.now(),
		})
		return
	}

	var match *domain.ToolCallEvent
	candidates := 0
	for i := len(m.ToolCallEvents) - 1; i >= 0; i-- {
		tc := m.ToolCallEvents[i]
		if tc.ToolName != e.ToolName || tc.Status != domain.ToolCallActive {
			continue
		}
		if match == nil {
			match = tc
		}
		candidates++
	}
	if match == nil {
		r.logger.Warn("tool call update without active call", "tool_name", e.ToolName, "phase", e.Phase)
		return
	}
	if candidates > 1 {
		r.logger.Debug("multiple active tool calls, updating most recent",
			"tool_name", e.ToolName, "tool_call_id", match.ID, "candidates", candidates)
	}

	if e.Phase == event.ToolError {
		match.Status = domain.ToolCallError
		match.Error = e.Error
	} else {
		match.Status = domain.ToolCallCompleted
	}
	if len(e.Result) > 0 {
		match.Result = string(e.Result)
	}
}

// finalize runs citation extraction over the main content and every agent
// sub-message, then collects links over the finalized tree.
func (r *Reducer) finalize(m *domain.Message) {
	r.clean(m)
	m.IsStreaming = false
	m.Status = domain.StatusComplete
	m.CollectedLinks = r.links.Collect(m)

	r.logger.Info("turn finalized",
		"message_id", m.ID,
		"citations", len(m.Citations),
		"agents", len(m.AgentConversations),
		"tool_calls", len(m.ToolCallEvents),
		"links", len(m.CollectedLinks),
	)
}

func (r *Reducer) clean(m *domain.Message) {
	res := citation.ExtractFor(m.Content, domain.MainAgent)
	m.Content, m.Citations = res.Text, res.Citations

	for _, ac := range m.AgentConversations {
		for _, sub := range ac.Messages {
			res := citation.ExtractFor(sub.Content, ac.Agent)
			sub.Content, sub.Citations = res.Text, res.Citations
			sub.IsStreaming = false
			sub.Status = domain.StatusComplete
		}
	}
}

func (r *Reducer) cancel(m *domain.Message) {
	r.clean(m)
	m.IsStreaming = false
	m.Status = domain.StatusCanceled
	m.CollectedLinks = r.links.Collect(m)
	r.logger.Info("turn canceled", "message_id", m.ID)
}

func (r *Reducer) fail(m *domain.Message, reason string) {
	m.Content = ErrorPrefix + reason
	m.Citations = nil
	m.IsStreaming = false
	m.Status = domain.StatusError
	for _, ac := range m.AgentConversations {
		for _, sub := range ac.Messages {
			if sub.IsStreaming {
				sub.IsStreaming = false
				sub.Status = domain.StatusError
			}
		}
	}
	r.logger.Warn("turn failed", "message_id", m.ID, "reason", reason)
}
