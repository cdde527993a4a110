package parcelsync

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync.go/internal/fakeplots"
	"github.com/parcelsync/parcelsync.go/internal/testenv"
	"github.com/parcelsync/parcelsync.go/pkg/config"
	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
	"github.com/parcelsync/parcelsync.go/pkg/signals"
)

const waitFor = 5 * time.Second

func startServer(t *testing.T) *fakeplots.Server {
	t.Helper()
	server := fakeplots.NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func testOptions(server *fakeplots.Server) config.Options {
	opts := config.Default()
	if server != nil {
		opts.BaseURL = server.URL()
	}
	opts.Timeout = 2 * time.Second
	opts.PollInterval = time.Hour
	return opts
}

func newSession(t *testing.T, opts config.Options, options ...Option) *Session {
	t.Helper()
	s, err := New(opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	opts := config.Default()
	opts.Timeout = 0
	_, err := New(opts)
	assert.ErrorIs(t, err, constants.ErrInvalidConfig)
}

func TestSessionWithoutServerServesFallback(t *testing.T) {
	s := newSession(t, testOptions(nil))
	require.NoError(t, s.Start(context.Background()))

	res := s.Plots(context.Background(), models.PlotFilter{})
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Len(t, res.Data, 3)

	d := s.Diagnostics()
	assert.Equal(t, "Disabled", d.Channel)
	assert.Equal(t, s.ID, d.SessionID)
	assert.Empty(t, d.CachedKeys, "fallback results are not cached")
}

func TestSessionLive(t *testing.T) {
	ctx := context.Background()
	server := startServer(t)
	s := newSession(t, testOptions(server))

	res := s.Plots(ctx, models.PlotFilter{City: "Lisbon"})
	assert.Equal(t, models.ProvenanceLive, res.Provenance)
	assert.Len(t, res.Data, 2)

	stats := s.Stats(ctx, models.PlotFilter{})
	assert.True(t, stats.IsLive())
	assert.Equal(t, 3, stats.Data.TotalPlots)

	plot := s.ViewPlot(ctx, "fb-3")
	assert.Equal(t, "Porto", plot.Data.City)
	assert.Equal(t, []string{"fb-3"}, s.Favorites().RecentlyViewed())

	assert.Equal(t, []string{s.ID}, server.ClientIDs())
	assert.ElementsMatch(t, []resourcekey.Key{
		resourcekey.PlotList(models.PlotFilter{City: "Lisbon"}),
		resourcekey.Stats(models.PlotFilter{}),
		resourcekey.Plot("fb-3"),
	}, s.Diagnostics().CachedKeys)
}

func TestSessionPushUpdatesWatchers(t *testing.T) {
	for _, transport := range []string{config.TransportSSE, config.TransportWebSocket} {
		t.Run(transport, func(t *testing.T) {
			server := startServer(t)
			opts := testOptions(server)
			opts.Transport = transport
			s := newSession(t, opts)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, s.Start(ctx))

			require.Eventually(t, func() bool {
				return s.Diagnostics().Channel == "Connected" && server.Subscribers() == 1
			}, waitFor, 10*time.Millisecond)

			results := make(chan models.FetchResult[[]models.Plot], 8)
			require.NoError(t, s.WatchPlots(ctx, models.PlotFilter{City: "Lisbon"}, func(r models.FetchResult[[]models.Plot]) {
				results <- r
			}))

			first := receive(t, results)
			assert.True(t, first.IsLive())
			require.Len(t, first.Data, 2)

			server.PutPlot(models.Plot{ID: "p9", City: "Lisbon", Price: 150000, Status: models.PlotStatusAvailable})

			next := receive(t, results)
			assert.True(t, next.IsLive())
			require.Len(t, next.Data, 3)
			assert.Equal(t, "p9", next.Data[0].ID)

			// Malformed events are dropped and the channel stays up.
			server.PublishRaw([]byte(`{"type":"???"}`))
			assert.Equal(t, "Connected", s.Diagnostics().Channel)
		})
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a result")
		var zero T
		return zero
	}
}

func TestSessionRecoversAfterOutage(t *testing.T) {
	ctx := context.Background()
	server := startServer(t)
	s := newSession(t, testOptions(server))

	var (
		mu        sync.Mutex
		recovered []models.ProvenanceTransitionEvent
	)
	s.OnRecovered(func(ev models.ProvenanceTransitionEvent) {
		mu.Lock()
		defer mu.Unlock()
		recovered = append(recovered, ev)
	})

	server.SetFailures(fakeplots.Drop(), fakeplots.RESTRoutes...)
	res := s.Plots(ctx, models.PlotFilter{})
	assert.Equal(t, models.ProvenanceFallback, res.Provenance)
	assert.Len(t, res.Data, 3)

	server.ClearFailures()
	res = s.Plots(ctx, models.PlotFilter{})
	assert.Equal(t, models.ProvenanceLive, res.Provenance)

	// Cached now, so no further transition.
	s.Plots(ctx, models.PlotFilter{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recovered, 1)
	assert.Equal(t, resourcekey.PlotList(models.PlotFilter{}).String(), recovered[0].Key)
	assert.Equal(t, 3, recovered[0].ItemCount)
}

func TestSessionStaleServedRetries(t *testing.T) {
	ctx := context.Background()
	server := startServer(t)

	retries := scheduler.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	events := scheduler.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts := testOptions(server)
	opts.StaleTime = 0
	s := newSession(t, opts, WithSchedulers(retries, events))

	var notices []models.StalenessNotice
	s.OnOutdated(func(n models.StalenessNotice) { notices = append(notices, n) })

	key := resourcekey.Plot("fb-1")
	require.True(t, s.Plot(ctx, "fb-1").IsLive())

	server.SetFailure(fakeplots.RoutePlot, fakeplots.Status(http.StatusServiceUnavailable))
	res := s.Plot(ctx, "fb-1")
	assert.True(t, res.StaleServed)
	assert.Equal(t, "fb-1", res.Data.ID)
	require.Len(t, notices, 1)
	assert.Equal(t, http.StatusServiceUnavailable, notices[0].StatusCode)

	d := s.Diagnostics()
	require.Len(t, d.Recovering, 1)
	assert.Equal(t, key, d.Recovering[0].Key)
	assert.Equal(t, 15*time.Second, d.Recovering[0].NextDelay)

	// Still failing: each retry backs off further.
	retries.Advance(15 * time.Second)
	assert.Equal(t, []time.Duration{30 * time.Second}, retries.Pending())
	retries.Advance(30 * time.Second)
	assert.Equal(t, []time.Duration{60 * time.Second}, retries.Pending())
	require.Len(t, s.Diagnostics().Recovering, 1)

	server.ClearFailures()
	retries.Advance(60 * time.Second)
	assert.Empty(t, retries.Pending())
	assert.Empty(t, s.Diagnostics().Recovering)
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}, retries.Scheduled())
	assert.True(t, s.Plot(ctx, "fb-1").IsLive())
}

func TestSessionEveryOnlineTransitionRefreshes(t *testing.T) {
	server := startServer(t)
	online := signals.NewConnectivity(true)

	opts := testOptions(server)
	opts.RefreshInterval = 200 * time.Millisecond
	s := newSession(t, opts, WithConnectivity(online))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	results := make(chan models.FetchResult[[]models.Plot], 16)
	require.NoError(t, s.WatchPlots(ctx, models.PlotFilter{}, func(r models.FetchResult[[]models.Plot]) {
		results <- r
	}))
	require.Len(t, receive(t, results).Data, 3)

	online.SetOnline(false)
	online.SetOnline(true)
	require.Len(t, receive(t, results).Data, 3)

	// A change made during a second outage, right after the first one,
	// still reaches the watcher.
	online.SetOnline(false)
	server.PutPlot(models.Plot{ID: "p-offline", City: "Faro", Price: 90000, Status: models.PlotStatusAvailable})
	online.SetOnline(true)

	deadline := time.After(waitFor)
	for {
		select {
		case r := <-results:
			if len(r.Data) == 4 {
				assert.True(t, r.IsLive())
				return
			}
		case <-deadline:
			t.Fatal("the plot created while offline never reached the watcher")
		}
	}
}

func TestSessionRefreshMergesCloseSignals(t *testing.T) {
	retries := scheduler.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	events := scheduler.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logs := testenv.NewTestLogHandler()

	opts := testOptions(nil)
	opts.RefreshInterval = 10 * time.Second
	s := newSession(t, opts, WithSchedulers(retries, events), WithLogger(logger.New(logs)))

	refreshes := func() int {
		n := 0
		for _, line := range logs.Lines() {
			if strings.Contains(line, "parcelsync.Session full refresh") {
				n++
			}
		}
		return n
	}

	s.refresh()
	assert.Equal(t, 1, refreshes())
	assert.Empty(t, events.Pending())

	// Over budget: delayed, not dropped, and later calls share the delay.
	s.refresh()
	s.refresh()
	assert.Equal(t, 1, refreshes())
	assert.Equal(t, []time.Duration{10 * time.Second}, events.Pending())

	events.Advance(10 * time.Second)
	assert.Equal(t, 2, refreshes())
	assert.Empty(t, events.Pending())

	// Closing drops a delayed refresh.
	s.refresh()
	require.Len(t, events.Pending(), 1)
	require.NoError(t, s.Close())
	events.Advance(10 * time.Second)
	assert.Equal(t, 2, refreshes())
}

func TestSessionPrefetchPlot(t *testing.T) {
	ctx := context.Background()
	server := startServer(t)
	s := newSession(t, testOptions(server))

	s.PrefetchPlot(ctx, "fb-1")
	assert.Equal(t, 1, server.Requests(fakeplots.RoutePlot))
	assert.Equal(t, 1, server.Requests(fakeplots.RouteNearby))
	assert.Equal(t, 1, server.Requests(fakeplots.RouteSimilar))
	assert.Subset(t, s.Diagnostics().CachedKeys, []resourcekey.Key{
		resourcekey.Plot("fb-1"),
		resourcekey.Nearby("fb-1"),
		resourcekey.Similar("fb-1"),
	})

	// Warm entries are served without another request.
	s.PrefetchPlot(ctx, "fb-1")
	res := s.ViewPlot(ctx, "fb-1")
	assert.True(t, res.IsLive())
	assert.Equal(t, "fb-1", res.Data.ID)
	assert.Equal(t, 1, server.Requests(fakeplots.RoutePlot))
	assert.Equal(t, 1, server.Requests(fakeplots.RouteNearby))
}

func TestSessionLoggerKeepsCallerArgs(t *testing.T) {
	logs := testenv.NewTestLogHandler()
	l := sessionLogger{Logger: logger.New(logs), id: "s1"}

	args := make([]any, 2, 4)
	args[0], args[1] = "key", "plots"
	l.Info("first", args...)

	assert.Equal(t, []any{"key", "plots", nil, nil}, args[:cap(args)])
	assert.True(t, logs.Contains("first"))
	assert.Contains(t, logs.Lines()[0], "session=s1")
}

func TestSessionClose(t *testing.T) {
	s, err := New(testOptions(nil), WithLogger(logger.New(slog.DiscardHandler)))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Start(context.Background()), constants.ErrClosed)
	err = s.WatchPlots(context.Background(), models.PlotFilter{}, func(models.FetchResult[[]models.Plot]) {})
	assert.ErrorIs(t, err, constants.ErrClosed)
}
