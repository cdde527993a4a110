// Package freshness annotates fetch results and reacts to how their
// provenance changes over time.
//
// The Tracker remembers the last provenance seen for every key. When a key
// that was served from the fallback dataset comes back live it publishes a
// ProvenanceTransitionEvent on the provenance-recovered topic, once per
// transition. Stale-served results publish a StalenessNotice on the
// data-outdated topic. Every observation is forwarded to the recovery
// scheduler.
package freshness

import (
	"context"
	"sync"
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/pubsub"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

// Classify returns the freshness of a fetch result.
func Classify[T any](r models.FetchResult[T]) models.Freshness {
	return r.Freshness()
}

// RecoveryObserver receives every observation; *recovery.Scheduler
// implements it.
type RecoveryObserver interface {
	Observe(key resourcekey.Key, f models.Freshness, refetch func(ctx context.Context) models.Freshness)
}

// Observation is one resolved fetch.
type Observation struct {
	Key        resourcekey.Key
	Provenance models.Provenance
	Freshness  models.Freshness
	ItemCount  int
	// StatusCode is the server status behind a stale-served result.
	StatusCode int
	// Refetch re-resolves Key, bypassing fresh cache entries.
	Refetch func(ctx context.Context) models.Freshness
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	last map[resourcekey.Key]models.Provenance

	recovered *pubsub.Bus[models.ProvenanceTransitionEvent]
	outdated  *pubsub.Bus[models.StalenessNotice]
	recovery  RecoveryObserver

	now     func() time.Time
	metrics *metrics.Metrics
	logger  logger.Logger
}

type Option func(*Tracker)

// WithRecovery forwards observations to r.
func WithRecovery(r RecoveryObserver) Option {
	return func(t *Tracker) { t.recovery = r }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.logger = logger.OrNop(l) }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		last:   make(map[resourcekey.Key]models.Provenance),
		now:    time.Now,
		logger: logger.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	t.recovered = pubsub.New[models.ProvenanceTransitionEvent](t.logger)
	t.outdated = pubsub.New[models.StalenessNotice](t.logger)
	return t
}

// Observe records o and publishes the signals it implies.
func (t *Tracker) Observe(o Observation) {
	at := t.now()

	t.mu.Lock()
	prev, seen := t.last[o.Key]
	transition := false
	if o.Freshness != models.FreshnessStaleServed {
		t.last[o.Key] = o.Provenance
		transition = seen && prev == models.ProvenanceFallback && o.Freshness == models.FreshnessLive
	}
	t.mu.Unlock()

	switch {
	case transition:
		t.logger.Info("freshness.Tracker live data is back", "key", o.Key, "items", o.ItemCount)
		t.metrics.ProvenanceRecovered(o.Key.Family())
		t.recovered.Publish(pubsub.TopicProvenanceRecovered, models.ProvenanceTransitionEvent{
			Key:       o.Key.String(),
			ItemCount: o.ItemCount,
			At:        at,
		})
	case o.Freshness == models.FreshnessStaleServed:
		t.logger.Debug("freshness.Tracker serving stale data", "key", o.Key, "status", o.StatusCode)
		t.outdated.Publish(pubsub.TopicDataOutdated, models.StalenessNotice{
			Key:        o.Key.String(),
			StatusCode: o.StatusCode,
			At:         at,
		})
	}

	if t.recovery != nil {
		t.recovery.Observe(o.Key, o.Freshness, o.Refetch)
	}
}

// Last returns the provenance of the last non-stale result for key.
func (t *Tracker) Last(key resourcekey.Key) (models.Provenance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.last[key]
	return p, ok
}

// OnRecovered subscribes fn to the provenance-recovered topic.
func (t *Tracker) OnRecovered(fn func(models.ProvenanceTransitionEvent)) (unsubscribe func()) {
	unsubscribe, _ = t.recovered.Subscribe(pubsub.TopicProvenanceRecovered, func(_ string, ev models.ProvenanceTransitionEvent) {
		fn(ev)
	})
	return unsubscribe
}

// OnOutdated subscribes fn to the data-outdated topic.
func (t *Tracker) OnOutdated(fn func(models.StalenessNotice)) (unsubscribe func()) {
	unsubscribe, _ = t.outdated.Subscribe(pubsub.TopicDataOutdated, func(_ string, n models.StalenessNotice) {
		fn(n)
	})
	return unsubscribe
}
