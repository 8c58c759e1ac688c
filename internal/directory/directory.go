// Package directory resolves sender display metadata at read time.
package directory

//go:generate mockgen -destination=../mocks/mock_directory.go -package=mocks github.com/weiawesome/chapter-chat/internal/directory Resolver

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Profile is the public part of a user record.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type Resolver interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
}

// maxLookups bounds concurrent directory lookups for one page.
const maxLookups = 8

// Enrich overwrites sender name and avatar from the directory. Senders are
// looked up concurrently and the whole pass gives up after timeout; senders
// not resolved by then keep the values stored with the message. A timeout of
// zero or less leaves only ctx to bound the pass.
func Enrich(ctx context.Context, r Resolver, msgs []domain.ChatMessage, timeout time.Duration) []domain.ChatMessage {
	if r == nil || len(msgs) == 0 {
		return msgs
	}

	senders := lo.Uniq(lo.FilterMap(msgs, func(m domain.ChatMessage, _ int) (string, bool) {
		return m.SenderID, m.SenderID != ""
	}))
	if len(senders) == 0 {
		return msgs
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	resolved := make(map[string]*Profile, len(senders))
	done := make(chan struct{})

	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(maxLookups)
		for _, id := range senders {
			id := id
			g.Go(func() error {
				p, err := r.Lookup(ctx, id)
				if err != nil {
					l := log.Ctx(ctx)
					l.Debug().Err(err).Str(log.FieldUserID, id).Msg("directory lookup failed, keeping stored sender")
					return nil
				}
				mu.Lock()
				resolved[id] = p
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l := log.Ctx(ctx)
		l.Warn().Err(ctx.Err()).Int("senders", len(senders)).Msg("directory enrichment cut short")
	}

	mu.Lock()
	profiles := lo.Assign(resolved)
	mu.Unlock()

	return lo.Map(msgs, func(m domain.ChatMessage, _ int) domain.ChatMessage {
		p, ok := profiles[m.SenderID]
		if !ok || p == nil {
			return m
		}
		if p.Name != "" {
			m.SenderName = p.Name
		}
		if p.AvatarURL != "" {
			m.SenderAvatarURL = p.AvatarURL
		}
		return m
	})
}
