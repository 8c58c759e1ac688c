package store

//go:generate mockgen -destination=../mocks/mock_store.go -package=mocks github.com/weiawesome/chapter-chat/internal/store MessageStore

import (
	"context"
	"time"

	"github.com/weiawesome/chapter-chat/internal/domain"
)

// MessageStore is the per-room chat log.
//
// Append assigns a timestamp and id when absent. When the id already exists
// in the room the stored record is returned with created=false and nothing
// is written. Reads of an unknown room return empty results, not errors.
type MessageStore interface {
	Append(ctx context.Context, roomID string, msg domain.ChatMessage) (stored domain.ChatMessage, created bool, err error)
	Recent(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error)
	Page(ctx context.Context, roomID string, limit int, before *time.Time) (*domain.Page, error)
	EvictExpired(ctx context.Context, retention time.Duration) (int, error)
	Close() error
}

// Clock returns the current time. Stores take one so tests can move time.
type Clock func() time.Time

func newPage(msgs []domain.ChatMessage, hasMore bool) *domain.Page {
	page := &domain.Page{Messages: msgs, HasMore: hasMore}
	if page.Messages == nil {
		page.Messages = []domain.ChatMessage{}
	}
	if hasMore && len(msgs) > 0 {
		page.NextCursor = domain.FormatCursor(msgs[0].Timestamp)
	}
	return page
}
