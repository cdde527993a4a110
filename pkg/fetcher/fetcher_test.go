package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/fallback"
	"github.com/parcelsync/parcelsync.go/pkg/freshness"
	"github.com/parcelsync/parcelsync.go/pkg/httpclient"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/querycache"
	"github.com/parcelsync/parcelsync.go/pkg/recovery"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
)

var epoch = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func livePlots(n int) []models.Plot {
	plots := make([]models.Plot, n)
	for i := range plots {
		plots[i] = models.Plot{
			ID:        string(rune('a' + i)),
			City:      "Lisbon",
			Price:     float64(100000 + i*1000),
			Status:    models.PlotStatusAvailable,
			UpdatedAt: epoch.Add(-time.Duration(i) * time.Hour),
		}
	}
	return plots
}

// apiServer answers /api/plots with plots while status is 200 and with
// status otherwise.
type apiServer struct {
	*httptest.Server
	status atomic.Int32
	calls  atomic.Int32
	plots  []models.Plot
}

func newAPIServer(t *testing.T, plots []models.Plot) *apiServer {
	s := &apiServer{plots: plots}
	s.status.Store(http.StatusOK)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if code := int(s.status.Load()); code != http.StatusOK {
			http.Error(w, "unavailable", code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.plots)
	}))
	t.Cleanup(s.Close)
	return s
}

func newSources(baseURL string) Sources {
	return Sources{
		Client:  httpclient.New(baseURL, nil),
		Dataset: fallback.Bundled(),
		Now:     func() time.Time { return epoch },
	}
}

func TestFallbackMatchesFilterSemantics(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	src := newSources(down.URL)
	f := New(querycache.New(), WithClock(func() time.Time { return epoch }))

	filters := []models.PlotFilter{
		{},
		{City: "lisbon"},
		{City: "Porto", Sort: models.SortPriceDesc},
		{MinPrice: 150000},
		{MaxPrice: 150000, Statuses: []models.PlotStatus{models.PlotStatusReserved}},
		{Statuses: []models.PlotStatus{models.PlotStatusSold}},
		{Sort: models.SortPriceAsc},
	}
	for _, filter := range filters {
		res := ResolveList(context.Background(), f, src.PlotList(filter))
		assert.Equal(t, models.ProvenanceFallback, res.Provenance, "filter %+v", filter)
		assert.Equal(t, src.Dataset.Plots(filter), res.Data, "filter %+v", filter)
		assert.False(t, res.StaleServed)
	}
}

func TestLiveResultsAreCached(t *testing.T) {
	api := newAPIServer(t, livePlots(2))
	cache := querycache.New(querycache.WithStaleTime(time.Minute))
	f := New(cache)
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	res := ResolveList(context.Background(), f, req)
	assert.Equal(t, models.ProvenanceLive, res.Provenance)
	assert.Len(t, res.Data, 2)

	again := ResolveList(context.Background(), f, req)
	assert.Equal(t, res, again)
	assert.Equal(t, int32(1), api.calls.Load())

	req.Force = true
	ResolveList(context.Background(), f, req)
	assert.Equal(t, int32(2), api.calls.Load())

	cache.Invalidate(req.Key)
	req.Force = false
	ResolveList(context.Background(), f, req)
	assert.Equal(t, int32(3), api.calls.Load())
}

func TestServerErrorServesCachedLiveData(t *testing.T) {
	api := newAPIServer(t, livePlots(5))
	cache := querycache.New(querycache.WithStaleTime(0))
	f := New(cache)
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	first := ResolveList(context.Background(), f, req)
	require.True(t, first.IsLive())

	api.status.Store(http.StatusServiceUnavailable)
	res := ResolveList(context.Background(), f, req)
	assert.True(t, res.StaleServed)
	assert.Equal(t, models.ProvenanceLive, res.Provenance)
	assert.Equal(t, models.FreshnessStaleServed, res.Freshness())
	assert.Equal(t, first.Data, res.Data)
	assert.Equal(t, first.FetchedAt, res.FetchedAt)

	// The cached entry itself is not marked stale-served.
	e, ok := cache.Get(req.Key)
	require.True(t, ok)
	assert.False(t, e.Value.(models.FetchResult[[]models.Plot]).StaleServed)
}

func TestServerErrorWithoutCacheFallsBack(t *testing.T) {
	api := newAPIServer(t, nil)
	api.status.Store(http.StatusInternalServerError)

	res := ResolveList(context.Background(), New(querycache.New()), newSources(api.URL).PlotList(models.PlotFilter{}))
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Len(t, res.Data, 3)
}

func TestTransportFailureFallsBackEvenWithCache(t *testing.T) {
	api := newAPIServer(t, livePlots(5))
	f := New(querycache.New(querycache.WithStaleTime(0)))
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	require.True(t, ResolveList(context.Background(), f, req).IsLive())
	api.Close()

	res := ResolveList(context.Background(), f, req)
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Len(t, res.Data, 3)
}

func TestEmptyUnfilteredListFallsBack(t *testing.T) {
	api := newAPIServer(t, []models.Plot{})
	src := newSources(api.URL)
	f := New(querycache.New())

	res := ResolveList(context.Background(), f, src.PlotList(models.PlotFilter{}))
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)

	filtered := ResolveList(context.Background(), f, src.PlotList(models.PlotFilter{City: "faro"}))
	assert.Equal(t, models.ProvenanceLive, filtered.Provenance, "a filtered list may be empty")
	assert.Empty(t, filtered.Data)
}

func TestTimeoutFallsBack(t *testing.T) {
	f := New(querycache.New(), WithTimeout(20*time.Millisecond))

	var gotErr error
	res := Resolve(context.Background(), f, Request[int]{
		Key: resourcekey.Single("test", "slow"),
		Primary: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			gotErr = ctx.Err()
			return 0, ctx.Err()
		},
		Fallback: func() int { return 7 },
	})
	assert.ErrorIs(t, gotErr, context.DeadlineExceeded)
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Equal(t, 7, res.Data)
}

func TestFallbackNeverFails(t *testing.T) {
	f := New(querycache.New())
	fail := func(context.Context) ([]string, error) { return nil, constants.ErrTransportUnavailable }

	res := ResolveList(context.Background(), f, Request[[]string]{
		Key:      resourcekey.Single("test", "panic"),
		Primary:  fail,
		Fallback: func() []string { panic("dataset missing") },
	})
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Empty(t, res.Data)

	res = ResolveList(context.Background(), f, Request[[]string]{
		Key:     resourcekey.Single("test", "nil"),
		Primary: fail,
	})
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Empty(t, res.Data)
}

func TestOtherPrimaryErrorsFallBack(t *testing.T) {
	res := Resolve(context.Background(), New(querycache.New()), Request[string]{
		Key:      resourcekey.Single("test", "err"),
		Primary:  func(context.Context) (string, error) { return "", errors.New("boom") },
		Fallback: func() string { return "bundled" },
	})
	assert.Equal(t, "bundled", res.Data)
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
}

// Primary down at startup, then restored: one recovery event.
func TestRecoveryAfterOutage(t *testing.T) {
	api := newAPIServer(t, livePlots(4))
	api.status.Store(http.StatusBadGateway)

	tracker := freshness.New()
	var events []models.ProvenanceTransitionEvent
	tracker.OnRecovered(func(ev models.ProvenanceTransitionEvent) { events = append(events, ev) })

	f := New(querycache.New(querycache.WithStaleTime(0)), WithTracker(tracker))
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	res := ResolveList(context.Background(), f, req)
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Len(t, res.Data, 3)

	api.status.Store(http.StatusOK)
	res = ResolveList(context.Background(), f, req)
	assert.Equal(t, models.ProvenanceLive, res.Provenance)
	assert.Len(t, res.Data, 4)
	ResolveList(context.Background(), f, req)

	require.Len(t, events, 1)
	assert.Equal(t, req.Key.String(), events[0].Key)
	assert.Equal(t, 4, events[0].ItemCount)
}

// 503 after five live plots were cached: stale-served, retried at 15s, 30s
// and 60s, recovered on the third retry.
func TestStaleServedRecovery(t *testing.T) {
	api := newAPIServer(t, livePlots(5))
	clock := scheduler.NewManual(epoch)
	rs := recovery.New(clock)
	tracker := freshness.New(freshness.WithRecovery(rs))
	f := New(querycache.New(querycache.WithStaleTime(0)), WithTracker(tracker))
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	require.True(t, ResolveList(context.Background(), f, req).IsLive())

	var outdated int
	tracker.OnOutdated(func(models.StalenessNotice) { outdated++ })

	api.status.Store(http.StatusServiceUnavailable)
	res := ResolveList(context.Background(), f, req)
	require.True(t, res.StaleServed)
	assert.Len(t, res.Data, 5)
	assert.Equal(t, 1, outdated)
	assert.Equal(t, []resourcekey.Key{req.Key}, rs.Active())

	// A second stale read does not add a timer.
	ResolveList(context.Background(), f, req)
	assert.Equal(t, []time.Duration{15 * time.Second}, clock.Pending())

	clock.Advance(15 * time.Second)
	assert.Equal(t, []time.Duration{30 * time.Second}, clock.Pending())
	clock.Advance(30 * time.Second)
	assert.Equal(t, []time.Duration{60 * time.Second}, clock.Pending())

	api.status.Store(http.StatusOK)
	clock.Advance(60 * time.Second)

	assert.Empty(t, clock.Pending())
	assert.Empty(t, rs.Active())
	_, ok := rs.State(req.Key)
	assert.False(t, ok)
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}, clock.Scheduled())
}

func TestPrefetchWarmsCache(t *testing.T) {
	api := newAPIServer(t, livePlots(2))
	cache := querycache.New(querycache.WithStaleTime(time.Minute))
	f := New(cache)
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	Prefetch(context.Background(), f, req)
	assert.Equal(t, int32(1), api.calls.Load())
	assert.False(t, cache.IsStale(req.Key))

	// Fresh entries are left alone.
	Prefetch(context.Background(), f, req)
	assert.Equal(t, int32(1), api.calls.Load())

	res := ResolveList(context.Background(), f, req)
	assert.True(t, res.IsLive())
	assert.Len(t, res.Data, 2)
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestPrefetchDuringOutageCachesNothing(t *testing.T) {
	api := newAPIServer(t, nil)
	api.status.Store(http.StatusBadGateway)
	cache := querycache.New()
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	Prefetch(context.Background(), New(cache), req)
	assert.Zero(t, cache.Len())
}

func TestResolveDoesNotJoinCacheFetches(t *testing.T) {
	api := newAPIServer(t, livePlots(2))
	cache := querycache.New()
	f := New(cache)
	req := newSources(api.URL).PlotList(models.PlotFilter{})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Prefetch(context.Background(), req.Key, func(context.Context) (any, error) {
			close(entered)
			<-release
			return livePlots(1), nil
		})
	}()
	<-entered

	var res models.FetchResult[[]models.Plot]
	require.NotPanics(t, func() {
		res = ResolveList(context.Background(), f, req)
	})
	assert.True(t, res.IsLive())
	assert.Len(t, res.Data, 2)

	close(release)
	<-done
}
