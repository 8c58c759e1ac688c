package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/keyed"
)

// roomLog is one room's history in append order. Timestamps strictly
// increase along it.
type roomLog struct {
	msgs []domain.ChatMessage
	ids  map[string]struct{}
}

// MemoryStore keeps every room log in process memory.
type MemoryStore struct {
	rooms *keyed.Arena[roomLog]
	now   Clock
}

func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		rooms: keyed.New(func() roomLog {
			return roomLog{ids: make(map[string]struct{})}
		}),
		now: clock,
	}
}

func (s *MemoryStore) Append(ctx context.Context, roomID string, msg domain.ChatMessage) (domain.ChatMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatMessage{}, false, err
	}

	msg.RoomID = roomID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	created := true
	s.rooms.Update(roomID, func(log *roomLog) bool {
		if _, dup := log.ids[msg.ID]; dup {
			for _, m := range log.msgs {
				if m.ID == msg.ID {
					msg = m
					break
				}
			}
			created = false
			return false
		}

		msg.Timestamp = s.nextTimestamp(log, msg.Timestamp)
		log.msgs = append(log.msgs, msg)
		log.ids[msg.ID] = struct{}{}
		return false
	})

	return msg, created, nil
}

// nextTimestamp stamps a new entry. A client hint is kept only when it lies
// after the room's last entry and not in the future; otherwise the store's
// clock decides. The result is always strictly after the last entry, so the
// log stays in append order.
func (s *MemoryStore) nextTimestamp(log *roomLog, hint time.Time) time.Time {
	now := s.now().UTC()
	var last time.Time
	n := len(log.msgs)
	if n > 0 {
		last = log.msgs[n-1].Timestamp
	}

	ts := now
	if !hint.IsZero() && !hint.After(now) && (n == 0 || hint.After(last)) {
		ts = hint.UTC()
	}
	if n > 0 && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	return ts
}

func (s *MemoryStore) Recent(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []domain.ChatMessage{}
	if limit <= 0 {
		return out, nil
	}
	s.rooms.View(roomID, func(log *roomLog) {
		start := len(log.msgs) - limit
		if start < 0 {
			start = 0
		}
		out = append(out, log.msgs[start:]...)
	})
	return out, nil
}

func (s *MemoryStore) Page(ctx context.Context, roomID string, limit int, before *time.Time) (*domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return newPage(nil, false), nil
	}

	var (
		msgs    []domain.ChatMessage
		hasMore bool
	)
	s.rooms.View(roomID, func(log *roomLog) {
		end := len(log.msgs)
		if before != nil {
			end = sort.Search(len(log.msgs), func(i int) bool {
				return !log.msgs[i].Timestamp.Before(*before)
			})
		}
		start := end - limit
		if start < 0 {
			start = 0
		}
		msgs = append(msgs, log.msgs[start:end]...)
		hasMore = start > 0
	})
	return newPage(msgs, hasMore), nil
}

func (s *MemoryStore) EvictExpired(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	removed := 0

	for _, roomID := range s.rooms.Keys() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.rooms.UpdateExisting(roomID, func(log *roomLog) bool {
			n := sort.Search(len(log.msgs), func(i int) bool {
				return !log.msgs[i].Timestamp.Before(cutoff)
			})
			if n == 0 {
				return len(log.msgs) == 0
			}
			for _, m := range log.msgs[:n] {
				delete(log.ids, m.ID)
			}
			log.msgs = append(log.msgs[:0:0], log.msgs[n:]...)
			removed += n
			return len(log.msgs) == 0
		})
	}
	return removed, nil
}

// RoomCount reports how many rooms currently hold messages.
func (s *MemoryStore) RoomCount() int {
	return s.rooms.Len()
}

func (s *MemoryStore) Close() error {
	return nil
}
