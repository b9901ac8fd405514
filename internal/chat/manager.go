package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/links"
	"github.com/geistlabs/geistai-sub001/internal/negotiation"
	"github.com/geistlabs/geistai-sub001/internal/reducer"
)

// DefaultMaxConversations is used when ManagerConfig.MaxConversations is not positive.
const DefaultMaxConversations = 1000

// HistoryLoader returns the persisted messages of a conversation in order.
type HistoryLoader interface {
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
}

// ManagerConfig is shared by every conversation the Manager creates.
type ManagerConfig struct {
	Transport   Transport
	IdleTimeout time.Duration
	Links       *links.Collector
	Negotiation *negotiation.Parser
	Indexer     Indexer
	Store       MessageStore
	// History seeds a conversation from storage when it is first opened.
	History HistoryLoader
	// MaxConversations caps the registry. When full, the least recently used
	// idle conversation is dropped to make room.
	MaxConversations int
	Logger           *slog.Logger
}

// Manager is the registry of live conversations keyed by id.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	services map[string]*Service
	lastUsed map[string]time.Time
}

// NewManager creates an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Links == nil {
		cfg.Links = links.New(0, cfg.Logger)
	}
	if cfg.Negotiation == nil {
		cfg.Negotiation = negotiation.NewParser("", nil, cfg.Logger)
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = DefaultMaxConversations
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      time.Now,
		services: make(map[string]*Service),
		lastUsed: make(map[string]time.Time),
	}
}

// Get returns the live conversation with the given id.
func (m *Manager) Get(id string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if ok {
		m.lastUsed[id] = m.now()
	}
	return s, ok
}

// Open returns the live conversation with the given id. A conversation that
// is not live yet is created and seeded with its persisted messages.
// ErrConversationLimit is returned when the registry is full and nothing is idle.
func (m *Manager) Open(ctx context.Context, id string) (*Service, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	var persisted []*domain.Message
	if m.cfg.History != nil {
		msgs, err := m.cfg.History.ListMessages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", id, err)
		}
		persisted = msgs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// a concurrent Open may have won while history loaded
	if s, ok := m.services[id]; ok {
		m.lastUsed[id] = m.now()
		return s, nil
	}
	if len(m.services) >= m.cfg.MaxConversations && !m.evictIdleLocked() {
		m.logger.Warn("conversation limit reached", "limit", m.cfg.MaxConversations)
		return nil, ErrConversationLimit
	}

	s := m.newService(id)
	restored := s.reducer.Restore(persisted)
	m.services[id] = s
	m.lastUsed[id] = m.now()
	m.logger.Info("conversation opened", "conversation_id", id, "restored_messages", restored)
	return s, nil
}

func (m *Manager) newService(id string) *Service {
	r := reducer.New(id,
		reducer.WithLinkCollector(m.cfg.Links),
		reducer.WithNegotiationParser(m.cfg.Negotiation),
		reducer.WithLogger(m.logger),
	)
	return NewService(r, ServiceConfig{
		Transport:   m.cfg.Transport,
		IdleTimeout: m.cfg.IdleTimeout,
		Indexer:     m.cfg.Indexer,
		Store:       m.cfg.Store,
		Logger:      m.logger,
	})
}

// evictIdleLocked drops the least recently used idle conversation. Its
// finished messages stay in the store and come back on the next Open.
func (m *Manager) evictIdleLocked() bool {
	var (
		victim string
		oldest time.Time
	)
	for id, s := range m.services {
		if !s.idle() {
			continue
		}
		if used := m.lastUsed[id]; victim == "" || used.Before(oldest) {
			victim, oldest = id, used
		}
	}
	if victim == "" {
		return false
	}
	m.services[victim].Close()
	delete(m.services, victim)
	delete(m.lastUsed, victim)
	m.logger.Debug("evicted idle conversation", "conversation_id", victim)
	return true
}

// Remove closes and forgets a conversation.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.services[id]
	delete(m.services, id)
	delete(m.lastUsed, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// Len returns the number of live conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.services)
}

// Close cancels every in-flight turn.
func (m *Manager) Close() {
	m.mu.Lock()
	services := m.services
	m.services = make(map[string]*Service)
	m.lastUsed = make(map[string]time.Time)
	m.mu.Unlock()

	for _, s := range services {
		s.Close()
	}
}
