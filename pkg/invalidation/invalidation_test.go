package invalidation

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/querycache"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

var (
	lisbon   = models.PlotFilter{City: "Lisbon"}
	cheap    = models.PlotFilter{MaxPrice: 100000, Sort: models.SortPriceAsc}
	allPlots = models.PlotFilter{}
)

// seed fills a cache with one entry per family and returns it.
func seed() *querycache.Cache {
	c := querycache.New()
	for _, k := range []resourcekey.Key{
		resourcekey.PlotList(allPlots),
		resourcekey.PlotList(lisbon),
		resourcekey.PlotList(cheap),
		resourcekey.Plot("p1"),
		resourcekey.Plot("p2"),
		resourcekey.Nearby("p1"),
		resourcekey.Nearby("p2"),
		resourcekey.Similar("p1"),
		resourcekey.Stats(allPlots),
		resourcekey.Stats(lisbon),
		resourcekey.Leads(),
		resourcekey.AdminDashboard(),
	} {
		c.Set(k, "v")
	}
	return c
}

func invalidated(c *querycache.Cache) []resourcekey.Key {
	var out []resourcekey.Key
	for _, k := range c.Keys() {
		if e, _ := c.Get(k); e.Invalidated {
			out = append(out, k)
		}
	}
	return out
}

func TestPlotEventsInvalidateAllDependentKeys(t *testing.T) {
	for _, typ := range []models.EventType{models.EventPlotUpdated, models.EventPlotCreated, models.EventPlotDeleted} {
		t.Run(string(typ), func(t *testing.T) {
			ev := models.PushEvent{Type: typ, ResourceID: "p1"}
			for _, k := range []resourcekey.Key{
				resourcekey.PlotList(allPlots),
				resourcekey.PlotList(lisbon),
				resourcekey.PlotList(cheap),
				resourcekey.Plot("p1"),
				resourcekey.Nearby("p1"),
				resourcekey.Similar("p1"),
				resourcekey.Stats(allPlots),
				resourcekey.Stats(lisbon),
			} {
				assert.True(t, Matches(ev, k), "%s should be invalidated", k)
			}
			for _, k := range []resourcekey.Key{
				resourcekey.Plot("p2"),
				resourcekey.Nearby("p2"),
				resourcekey.Leads(),
				resourcekey.AdminDashboard(),
			} {
				assert.False(t, Matches(ev, k), "%s should survive", k)
			}
		})
	}
}

func TestPlotEventWithoutID(t *testing.T) {
	ev := models.PushEvent{Type: models.EventPlotCreated}
	assert.Empty(t, Route(ev))
	assert.Equal(t, []string{resourcekey.FamilyPlots, resourcekey.FamilyStats}, Families(ev))
}

func TestLeadCreated(t *testing.T) {
	ev := models.PushEvent{Type: models.EventLeadCreated}
	assert.Empty(t, Route(ev))
	assert.Equal(t, []string{resourcekey.FamilyLeads, resourcekey.FamilyAdminDashboard}, Families(ev))
	assert.False(t, Matches(ev, resourcekey.PlotList(allPlots)))
}

func TestConnectedIsNotRouted(t *testing.T) {
	ev := models.PushEvent{Type: models.EventConnected}
	assert.Nil(t, Route(ev))
	assert.Nil(t, Families(ev))

	c := seed()
	assert.Empty(t, NewApplier(c).Apply(ev))
	assert.Empty(t, invalidated(c))
}

func TestApplyDeletedPlotThenMalformed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	c := seed()
	a := NewApplier(c, WithMetrics(m))

	ev, err := models.ParsePushEvent([]byte(`{"type":"plot_deleted","plotId":"p1"}`))
	require.NoError(t, err)
	hit := a.Apply(ev)

	want := []resourcekey.Key{
		resourcekey.Nearby("p1"),
		resourcekey.Plot("p1"),
		resourcekey.PlotList(allPlots),
		resourcekey.PlotList(cheap),
		resourcekey.PlotList(lisbon),
		resourcekey.Similar("p1"),
		resourcekey.Stats(allPlots),
		resourcekey.Stats(lisbon),
	}
	assert.ElementsMatch(t, want, hit)
	assert.ElementsMatch(t, want, invalidated(c))

	_, err = models.ParsePushEvent([]byte(`{"type":"???"}`))
	require.ErrorIs(t, err, constants.ErrMalformedPushEvent)
	assert.ElementsMatch(t, want, invalidated(c))

	assert.InDelta(t, 3, testutil.ToFloat64(m.Invalidations.WithLabelValues(resourcekey.FamilyPlots)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Invalidations.WithLabelValues(resourcekey.FamilyStats)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Invalidations.WithLabelValues(resourcekey.FamilyPlot)), 0)
}

func TestApplyNotifiesSubscribers(t *testing.T) {
	c := seed()
	var events []querycache.InvalidationEvent
	c.Subscribe(func(ev querycache.InvalidationEvent) { events = append(events, ev) })

	NewApplier(c).Apply(models.PushEvent{Type: models.EventLeadCreated})

	require.Len(t, events, 1)
	assert.True(t, events[0].Has(resourcekey.Leads()))
	assert.True(t, events[0].Has(resourcekey.AdminDashboard()))
	assert.False(t, events[0].Has(resourcekey.Plot("p1")))
}
