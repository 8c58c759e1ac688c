package store

import (
	"context"
	"time"

	"github.com/weiawesome/chapter-chat/pkg/log"
)

// Evictor is the part of a store the sweeper drives.
type Evictor interface {
	EvictExpired(ctx context.Context, retention time.Duration) (int, error)
}

// Sweeper evicts expired messages on a fixed interval, regardless of traffic.
type Sweeper struct {
	store     Evictor
	retention time.Duration
	interval  time.Duration
	ticks     <-chan time.Time
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithTicks drives the sweeper from ch instead of a wall-clock ticker.
func WithTicks(ch <-chan time.Time) SweeperOption {
	return func(s *Sweeper) { s.ticks = ch }
}

func NewSweeper(store Evictor, retention, interval time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	l := log.Ctx(ctx)
	l.Info().Dur("retention", s.retention).Dur("interval", s.interval).Msg("retention sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single eviction pass and returns the number of
// messages removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.store.EvictExpired(ctx, s.retention)
	l := log.Ctx(ctx)
	if err != nil {
		l.Error().Err(err).Int("removed", removed).Msg("retention sweep failed")
		return removed
	}
	if removed > 0 {
		l.Info().Int("removed", removed).Msg("evicted expired messages")
	} else {
		l.Debug().Msg("retention sweep found nothing to evict")
	}
	return removed
}
