// Package favorites tracks the plots a user marked as favorite and the plots
// they viewed most recently. State lives in a kvstore.Store so it survives
// restarts and is shared with other sessions using the same store.
package favorites

import (
	"slices"
	"sort"
	"sync"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/kvstore"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
)

// Store keys.
const (
	KeyFavorites      = "favorites"
	KeyRecentlyViewed = "recently-viewed"
)

// DefaultMaxRecent is how many recently viewed plots are kept.
const DefaultMaxRecent = 10

// Snapshot is the state at one point in time.
type Snapshot struct {
	Favorites      []string
	RecentlyViewed []string
}

// Service is constructed per session and must be closed. It is safe for
// concurrent use.
type Service struct {
	// writeMu serializes local writes; mu guards state and is never held
	// while calling into the store.
	writeMu   sync.Mutex
	mu        sync.Mutex
	store     kvstore.Store
	favorites []string
	recent    []string
	maxRecent int
	closed    bool

	subs map[int]func(Snapshot)
	next int

	unsubscribeStore func()
	logger           logger.Logger
}

type Option func(*Service)

func WithMaxRecent(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRecent = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = logger.OrNop(l) }
}

// New loads the persisted state and starts following store changes made by
// other sessions. The store stays owned by the caller.
func New(store kvstore.Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:     store,
		maxRecent: DefaultMaxRecent,
		subs:      make(map[int]func(Snapshot)),
		logger:    logger.Nop(),
	}
	for _, o := range opts {
		o(s)
	}

	var err error
	if s.favorites, err = s.load(KeyFavorites); err != nil {
		return nil, err
	}
	if s.recent, err = s.load(KeyRecentlyViewed); err != nil {
		return nil, err
	}
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[:s.maxRecent]
	}

	s.unsubscribeStore = store.SubscribeChanges(s.onStoreChange)
	return s, nil
}

func (s *Service) load(key string) ([]string, error) {
	ids, _, err := kvstore.GetValue[[]string](s.store, key)
	return ids, err
}

func (s *Service) onStoreChange(key string) {
	if key != KeyFavorites && key != KeyRecentlyViewed {
		return
	}
	ids, err := s.load(key)
	if err != nil {
		s.logger.Warn("favorites.Service failed to reload", "key", key, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var changed bool
	switch key {
	case KeyFavorites:
		changed = !slices.Equal(s.favorites, ids)
		s.favorites = ids
	case KeyRecentlyViewed:
		if len(ids) > s.maxRecent {
			ids = ids[:s.maxRecent]
		}
		changed = !slices.Equal(s.recent, ids)
		s.recent = ids
	}
	snap, fns := s.snapshotLocked(), s.subscribersLocked()
	s.mu.Unlock()

	if changed {
		s.logger.Debug("favorites.Service picked up an external change", "key", key)
		deliver(fns, snap)
	}
}

// Favorites returns the favorite plot ids in the order they were added.
func (s *Service) Favorites() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.favorites)
}

func (s *Service) IsFavorite(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.favorites, id)
}

// ToggleFavorite adds or removes id and reports whether it is now a
// favorite.
func (s *Service) ToggleFavorite(id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, constants.ErrClosed
	}
	next := slices.Clone(s.favorites)
	s.mu.Unlock()

	var now bool
	if i := slices.Index(next, id); i >= 0 {
		next = slices.Delete(next, i, i+1)
	} else {
		next = append(next, id)
		now = true
	}
	if err := kvstore.SetValue(s.store, KeyFavorites, next); err != nil {
		return !now, err
	}
	s.apply(&s.favorites, next)
	return now, nil
}

// RecentlyViewed returns viewed plot ids, most recent first.
func (s *Service) RecentlyViewed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.recent)
}

// MarkViewed moves id to the front of the recently viewed list.
func (s *Service) MarkViewed(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return constants.ErrClosed
	}
	next := make([]string, 0, s.maxRecent)
	next = append(next, id)
	for _, v := range s.recent {
		if v != id && len(next) < s.maxRecent {
			next = append(next, v)
		}
	}
	unchanged := slices.Equal(next, s.recent)
	s.mu.Unlock()

	if unchanged {
		return nil
	}
	if err := kvstore.SetValue(s.store, KeyRecentlyViewed, next); err != nil {
		return err
	}
	s.apply(&s.recent, next)
	return nil
}

// apply stores next in *field and notifies subscribers, unless the store's
// change signal already delivered the same value.
func (s *Service) apply(field *[]string, next []string) {
	s.mu.Lock()
	if slices.Equal(*field, next) {
		s.mu.Unlock()
		return
	}
	*field = next
	snap, fns := s.snapshotLocked(), s.subscribersLocked()
	s.mu.Unlock()

	deliver(fns, snap)
}

// Snapshot returns the current state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Snapshot {
	return Snapshot{
		Favorites:      slices.Clone(s.favorites),
		RecentlyViewed: slices.Clone(s.recent),
	}
}

// Subscribe calls fn with a new snapshot after every change.
func (s *Service) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) subscribersLocked() []func(Snapshot) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	return fns
}

func deliver(fns []func(Snapshot), snap Snapshot) {
	for _, fn := range fns {
		fn(snap)
	}
}

// Close stops following the store and drops all subscribers. Later writes
// return constants.ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[int]func(Snapshot))
	unsubscribe := s.unsubscribeStore
	s.mu.Unlock()

	unsubscribe()
	return nil
}
