package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/metrics"
	"github.com/geistlabs/geistai-sub001/internal/reducer"
)

const subscriberBuffer = 32

// Indexer stores finalized messages for later retrieval. Failures never
// reach the user.
type Indexer interface {
	Index(ctx context.Context, entry domain.IndexEntry) error
}

// MessageStore persists messages once they are terminal.
type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID string, msg *domain.Message) error
}

// Service runs the turns of one conversation. At most one turn streams at a
// time; starting a new turn cancels the previous one.
type Service struct {
	reducer   *reducer.Reducer
	engine    *Engine
	transport Transport
	indexer   Indexer
	store     MessageStore
	logger    *slog.Logger

	mu          sync.Mutex
	cancelTurn  context.CancelCauseFunc
	subscribers map[int]chan *domain.Message
	nextSub     int
}

// ServiceConfig holds the collaborators of a Service. Indexer and Store are optional.
type ServiceConfig struct {
	Transport   Transport
	IdleTimeout time.Duration
	Indexer     Indexer
	Store       MessageStore
	Logger      *slog.Logger
}

// NewService creates a Service over r.
func NewService(r *reducer.Reducer, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reducer:     r,
		engine:      NewEngine(r, cfg.IdleTimeout, logger),
		transport:   cfg.Transport,
		indexer:     cfg.Indexer,
		store:       cfg.Store,
		logger:      logger.With("conversation_id", r.ID()),
		subscribers: make(map[int]chan *domain.Message),
	}
}

// ID returns the conversation id.
func (s *Service) ID() string {
	return s.reducer.ID()
}

// Snapshot returns a copy of the conversation.
func (s *Service) Snapshot() *domain.Conversation {
	return s.reducer.Snapshot()
}

// Send records the user message, streams the assistant turn and returns the
// terminal assistant message. The returned message is non-nil whenever the
// turn was started, even when err is not nil. observe may be nil.
func (s *Service) Send(ctx context.Context, userID, text string, observe Observer) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if userID == "" {
		return nil, ErrMissingIdentity
	}

	history := s.history()
	user := s.reducer.AppendUser(text)
	s.persist(ctx, user)

	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	msg := s.beginTurn(cancel)
	defer s.endTurn(msg.ID)

	notify := func(m *domain.Message) {
		if observe != nil {
			observe(m)
		}
		s.broadcast(m)
	}
	notify(msg)

	start := time.Now()
	s.logger.Info("turn started", "message_id", msg.ID, "user_id", userID, "message_length", len(text))

	err := s.stream(turnCtx, msg.ID, TurnRequest{UserID: userID, Message: text, History: history}, notify)

	final := s.reducer.Message(msg.ID)
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	metrics.TurnsTotal.WithLabelValues(outcome(final)).Inc()
	s.persist(ctx, final)
	return final, err
}

func (s *Service) stream(ctx context.Context, messageID string, req TurnRequest, notify Observer) error {
	body, err := s.transport.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			if s.reducer.Cancel(messageID) {
				notify(s.reducer.Message(messageID))
			}
			return errors.Join(ErrCanceled, ctx.Err())
		}
		s.logger.Error("failed to open orchestrator stream", "message_id", messageID, "error", err)
		if s.reducer.Fail(messageID, UserMessage(err)) {
			notify(s.reducer.Message(messageID))
		}
		return err
	}
	return s.engine.Run(ctx, messageID, body, notify)
}

// Cancel aborts the in-flight turn. It reports whether a turn was streaming.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn == nil {
		return false
	}
	s.cancelTurn(ErrCanceled)
	s.cancelTurn = nil
	return true
}

// Subscribe streams a copy of the in-flight message after every change. The
// returned func unsubscribes; slow subscribers miss intermediate updates.
func (s *Service) Subscribe() (<-chan *domain.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan *domain.Message, subscriberBuffer)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// Close may already have dropped it
			if _, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(ch)
			}
		})
	}
}

// Close cancels any in-flight turn and drops all subscribers.
func (s *Service) Close() {
	s.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// idle reports whether no turn is streaming and nobody is subscribed.
func (s *Service) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelTurn == nil && len(s.subscribers) == 0 && s.reducer.InFlight() == ""
}

func (s *Service) beginTurn(cancel context.CancelCauseFunc) *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn != nil {
		s.cancelTurn(ErrSuperseded)
	}
	s.cancelTurn = cancel
	return s.reducer.BeginTurn()
}

func (s *Service) endTurn(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reducer.InFlight() == "" || s.reducer.InFlight() == messageID {
		s.cancelTurn = nil
	}
}

func (s *Service) broadcast(m *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- m:
		default:
			s.logger.Debug("subscriber lagging, dropping update", "subscriber", id)
		}
	}
}

// history returns the terminal, successful messages sent as context for the next turn.
func (s *Service) history() []HistoryMessage {
	conv := s.reducer.Snapshot()
	out := make([]HistoryMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.Status != domain.StatusComplete || m.Content == "" {
			continue
		}
		out = append(out, HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// persist hands a terminal message to the store and indexer. Errors are logged only.
func (s *Service) persist(ctx context.Context, m *domain.Message) {
	if m == nil || !m.IsTerminal() {
		return
	}
	// a canceled request context must not prevent recording the outcome
	ctx = context.WithoutCancel(ctx)

	if s.store != nil {
		if err := s.store.SaveMessage(ctx, s.ID(), m); err != nil {
			s.logger.Warn("failed to persist message", "message_id", m.ID, "error", err)
		}
	}
	if s.indexer != nil && m.Status == domain.StatusComplete && m.Content != "" {
		err := s.indexer.Index(ctx, domain.IndexEntry{
			ConversationID: s.ID(),
			MessageID:      m.ID,
			Role:           m.Role,
			Text:           m.Content,
			Timestamp:      m.CreatedAt,
		})
		if err != nil {
			s.logger.Warn("failed to index message", "message_id", m.ID, "error", err)
		}
	}
}

func outcome(m *domain.Message) string {
	if m == nil {
		return metrics.OutcomeError
	}
	switch m.Status {
	case domain.StatusComplete:
		return metrics.OutcomeComplete
	case domain.StatusCanceled:
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeError
}
