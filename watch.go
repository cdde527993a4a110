package parcelsync

import (
	"context"
	"time"

	"github.com/parcelsync/parcelsync.go/internal/rand"
	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/fetcher"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

// pollJitter spreads watcher polls by ±10%.
const pollJitter = 0.1

type watch struct {
	key  resourcekey.Key
	wake chan struct{}
}

func (w *watch) trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// WatchPlots calls fn with the plots matching filter right away, then every
// PollInterval and whenever the list is invalidated by a push event or a
// full refresh. Calls to fn are sequential. Watching stops when ctx is
// done or the session is closed.
func (s *Session) WatchPlots(ctx context.Context, filter models.PlotFilter, fn func(models.FetchResult[[]models.Plot])) error {
	req := s.sources.PlotList(filter)
	return s.watch(ctx, req.Key, func(ctx context.Context) {
		fn(fetcher.ResolveList(ctx, s.fetcher, s.sources.PlotList(filter)))
	})
}

// WatchStats is WatchPlots for the statistics of filter.
func (s *Session) WatchStats(ctx context.Context, filter models.PlotFilter, fn func(models.FetchResult[models.Stats])) error {
	req := s.sources.Stats(filter)
	return s.watch(ctx, req.Key, func(ctx context.Context) {
		fn(fetcher.Resolve(ctx, s.fetcher, s.sources.Stats(filter)))
	})
}

func (s *Session) watch(ctx context.Context, key resourcekey.Key, resolve func(context.Context)) error {
	w := &watch{key: key, wake: make(chan struct{}, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return constants.ErrClosed
	}
	id := s.nextWatch
	s.nextWatch++
	s.watches[id] = w
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watches, id)
			s.mu.Unlock()
		}()

		resolve(ctx)

		timer := time.NewTimer(rand.Jitter(s.opts.PollInterval, pollJitter))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-timer.C:
			case <-w.wake:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			resolve(ctx)
			timer.Reset(rand.Jitter(s.opts.PollInterval, pollJitter))
		}
	}()
	return nil
}

// triggerWatches wakes every watcher whose key satisfies match.
func (s *Session) triggerWatches(match func(resourcekey.Key) bool) {
	s.mu.Lock()
	var hit []*watch
	for _, w := range s.watches {
		if match(w.key) {
			hit = append(hit, w)
		}
	}
	s.mu.Unlock()

	for _, w := range hit {
		w.trigger()
	}
}
