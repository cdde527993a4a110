// Package invalidation maps push events to the cached queries they make
// untrustworthy.
//
// The mapping is a fixed table:
//
//	plot_updated, plot_created, plot_deleted
//	    families plots and stats, plus plot:<id>, nearby:<id> and
//	    similar:<id> when the event names a plot
//	lead_created
//	    families leads and admin-dashboard
//	connected
//	    nothing; it is consumed by the push channel
package invalidation

import (
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/querycache"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

// Families returns the key families whose every cached entry ev
// invalidates.
func Families(ev models.PushEvent) []string {
	switch {
	case ev.Type.IsPlotEvent():
		return []string{resourcekey.FamilyPlots, resourcekey.FamilyStats}
	case ev.Type == models.EventLeadCreated:
		return []string{resourcekey.FamilyLeads, resourcekey.FamilyAdminDashboard}
	}
	return nil
}

// Route returns the single-resource keys ev invalidates, in addition to
// its Families.
func Route(ev models.PushEvent) []resourcekey.Key {
	if !ev.Type.IsPlotEvent() || ev.ResourceID == "" {
		return nil
	}
	id := ev.ResourceID
	return []resourcekey.Key{
		resourcekey.Plot(id),
		resourcekey.Nearby(id),
		resourcekey.Similar(id),
	}
}

// Matches reports whether key is invalidated by ev.
func Matches(ev models.PushEvent, key resourcekey.Key) bool {
	family := key.Family()
	for _, f := range Families(ev) {
		if f == family {
			return true
		}
	}
	for _, k := range Route(ev) {
		if k == key {
			return true
		}
	}
	return false
}

type Option func(*Applier)

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Applier) { a.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(a *Applier) { a.logger = logger.OrNop(l) }
}

// Applier invalidates the routes of incoming events on a query cache.
type Applier struct {
	cache   *querycache.Cache
	metrics *metrics.Metrics
	logger  logger.Logger
}

func NewApplier(cache *querycache.Cache, opts ...Option) *Applier {
	a := &Applier{cache: cache, logger: logger.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply invalidates everything ev routes to and returns the cached keys
// that were hit. It is safe to use as a realtime.EventHandler.
func (a *Applier) Apply(ev models.PushEvent) []resourcekey.Key {
	families := Families(ev)
	keys := Route(ev)
	if len(families) == 0 && len(keys) == 0 {
		return nil
	}

	hit := a.cache.InvalidateFamily(families...)
	hit = append(hit, a.cache.Invalidate(keys...)...)

	counts := make(map[string]int)
	for _, k := range hit {
		counts[k.Family()]++
	}
	for family, n := range counts {
		a.metrics.Invalidated(family, n)
	}

	a.logger.Debug("invalidation.Applier applied event",
		"type", string(ev.Type), "plotId", ev.ResourceID, "invalidated", len(hit))
	return hit
}
