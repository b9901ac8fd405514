// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/geistlabs/geistai-sub001/internal/domain"
)

// Repository persists terminal conversation messages and the text index.
type Repository interface {
	// SaveMessage inserts or replaces a message of a conversation.
	SaveMessage(ctx context.Context, conversationID string, msg *domain.Message) error

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// DeleteConversation removes a conversation's messages and index entries.
	DeleteConversation(ctx context.Context, conversationID string) (int64, error)

	// Index records a finalized message for search.
	Index(ctx context.Context, entry domain.IndexEntry) error

	// Search returns index entries whose text contains query, newest first.
	Search(ctx context.Context, query string, limit int) ([]domain.IndexEntry, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
