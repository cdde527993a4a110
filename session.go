package parcelsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/parcelsync/parcelsync.go/pkg/config"
	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/fallback"
	"github.com/parcelsync/parcelsync.go/pkg/favorites"
	"github.com/parcelsync/parcelsync.go/pkg/fetcher"
	"github.com/parcelsync/parcelsync.go/pkg/freshness"
	"github.com/parcelsync/parcelsync.go/pkg/httpclient"
	"github.com/parcelsync/parcelsync.go/pkg/invalidation"
	"github.com/parcelsync/parcelsync.go/pkg/kvstore"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/querycache"
	"github.com/parcelsync/parcelsync.go/pkg/realtime"
	"github.com/parcelsync/parcelsync.go/pkg/recovery"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
	"github.com/parcelsync/parcelsync.go/pkg/signals"
	"github.com/parcelsync/parcelsync.go/pkg/transport/sse"
	"github.com/parcelsync/parcelsync.go/pkg/transport/websocket"
)

// Session is one client of the plots API. It is safe for concurrent use.
type Session struct {
	// ID identifies the session to the server on every request.
	ID string

	opts config.Options

	client    *httpclient.Client
	dataset   *fallback.Dataset
	sources   fetcher.Sources
	cache     *querycache.Cache
	tracker   *freshness.Tracker
	recovery  *recovery.Scheduler
	fetcher   *fetcher.Fetcher
	applier   *invalidation.Applier
	channel   *realtime.Channel
	favorites *favorites.Service
	limiter   *rate.Limiter

	store      kvstore.Store
	ownsStore  bool
	retries    scheduler.Scheduler
	events     scheduler.Scheduler
	ownedLoops []*scheduler.Loop

	connectivity signals.ConnectivitySource
	visibility   signals.VisibilitySource
	probe        *signals.Probe
	dialer       realtime.Dialer
	httpClient   *http.Client

	tracerProvider trace.TracerProvider
	metrics        *metrics.Metrics
	logger         logger.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	watches   map[int]*watch
	nextWatch int
	stopProbe context.CancelFunc
	// refreshQueued is set while a delayed full refresh is pending.
	refreshQueued bool
	unsubs        []func()
	done          chan struct{}
}

// New wires a session from opts. It does not touch the network; Start opens
// the push channel.
func New(opts config.Options, options ...Option) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	s := &Session{
		ID:      id.String(),
		opts:    opts,
		watches: make(map[int]*watch),
		done:    make(chan struct{}),
		logger:  logger.Nop(),
	}
	for _, o := range options {
		o(s)
	}
	s.logger = sessionLogger{Logger: s.logger, id: s.ID}

	if s.retries == nil {
		loop := scheduler.NewLoop(s.logger)
		s.retries = loop
		s.ownedLoops = append(s.ownedLoops, loop)
	}
	if s.events == nil {
		loop := scheduler.NewLoop(s.logger)
		s.events = loop
		s.ownedLoops = append(s.ownedLoops, loop)
	}
	if s.dataset == nil {
		s.dataset = fallback.Bundled()
		if err := s.dataset.Err(); err != nil {
			s.logger.Error("parcelsync.Session bundled dataset is unavailable", "error", err)
		}
	}
	if s.visibility == nil {
		s.visibility = signals.AlwaysVisible{}
	}
	if s.connectivity == nil {
		if opts.ProbeURL != "" {
			s.probe = signals.NewProbe(opts.ProbeURL, opts.ProbeInterval, s.logger)
			s.connectivity = s.probe
		} else {
			s.connectivity = signals.NewConnectivity(true)
		}
	}

	if s.store == nil {
		store, err := openStore(opts, s.logger)
		if err != nil {
			s.closeLoops()
			return nil, err
		}
		s.store = store
		s.ownsStore = true
	}
	s.favorites, err = favorites.New(s.store, favorites.WithLogger(s.logger))
	if err != nil {
		s.closeLoops()
		if s.ownsStore {
			_ = s.store.Close()
		}
		return nil, fmt.Errorf("load favorites: %w", err)
	}

	s.client = httpclient.New(opts.BaseURL, s.logger)
	s.client.ClientID = s.ID
	if s.httpClient != nil {
		s.client.SetHTTPClient(s.httpClient)
	}
	s.client.SetTimeout(opts.Timeout)

	now := s.events.Now
	s.sources = fetcher.Sources{Client: s.client, Dataset: s.dataset, Now: now}
	s.cache = querycache.New(
		querycache.WithStaleTime(opts.StaleTime),
		querycache.WithClock(now),
		querycache.WithLogger(s.logger),
	)
	s.recovery = recovery.New(s.retries,
		recovery.WithPolicy(recovery.Policy{Base: opts.RecoveryBase, Max: opts.RecoveryMax, Ceiling: opts.RetryCeiling}),
		recovery.WithMetrics(s.metrics),
		recovery.WithLogger(s.logger),
	)
	s.tracker = freshness.New(
		freshness.WithRecovery(s.recovery),
		freshness.WithClock(now),
		freshness.WithMetrics(s.metrics),
		freshness.WithLogger(s.logger),
	)
	fetchOpts := []fetcher.Option{
		fetcher.WithTimeout(opts.Timeout),
		fetcher.WithTracker(s.tracker),
		fetcher.WithClock(now),
		fetcher.WithMetrics(s.metrics),
		fetcher.WithLogger(s.logger),
	}
	if s.tracerProvider != nil {
		fetchOpts = append(fetchOpts, fetcher.WithTracerProvider(s.tracerProvider))
	}
	s.fetcher = fetcher.New(s.cache, fetchOpts...)
	s.applier = invalidation.NewApplier(s.cache,
		invalidation.WithMetrics(s.metrics),
		invalidation.WithLogger(s.logger),
	)
	s.limiter = rate.NewLimiter(rate.Every(opts.RefreshInterval), opts.RefreshBurst)

	if s.dialer == nil {
		s.dialer = s.pushDialer()
	}
	if s.dialer != nil {
		s.channel = realtime.New(s.dialer, s.events,
			realtime.WithConnectivity(s.connectivity),
			realtime.WithVisibility(s.visibility),
			realtime.WithEventHandler(s.handleEvent),
			realtime.WithRefresh(s.refresh),
			realtime.WithBackoff(opts.BackoffFloor, opts.BackoffCeiling),
			realtime.WithMetrics(s.metrics),
			realtime.WithLogger(s.logger),
		)
	}

	s.unsubs = append(s.unsubs, s.cache.Subscribe(func(ev querycache.InvalidationEvent) {
		s.triggerWatches(ev.Has)
	}))

	return s, nil
}

func openStore(opts config.Options, log logger.Logger) (kvstore.Store, error) {
	switch opts.Store {
	case config.StoreBadger:
		return kvstore.OpenBadger(kvstore.BadgerConfig{Path: opts.StorePath, Prefix: "parcelsync/"}, log)
	case config.StoreFile:
		return kvstore.OpenFile(opts.StorePath, log)
	default:
		return kvstore.NewMemory(), nil
	}
}

// pushDialer builds the transport named by Options.Transport, or nil when
// there is no server to connect to.
func (s *Session) pushDialer() realtime.Dialer {
	target := s.opts.EventsURL()
	if target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		s.logger.Error("parcelsync.Session invalid events URL", "url", target, "error", err)
		return nil
	}
	q := u.Query()
	q.Set("client", s.ID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(httpclient.ClientIDHeader, s.ID)

	switch s.opts.Transport {
	case config.TransportWebSocket:
		d := websocket.New(u.String(), s.logger)
		d.Header = header
		return d
	default:
		d := sse.New(u.String(), s.logger)
		d.Header = header
		d.HandshakeTimeout = s.opts.Timeout
		if s.httpClient != nil {
			c := *s.httpClient
			c.Timeout = 0
			d.Client = &c
		}
		return d
	}
}

// Start opens the push channel and starts connectivity probing. Background
// work runs until ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return constants.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if s.probe != nil {
		probeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopProbe = cancel
		go func() {
			if err := s.probe.Run(probeCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("parcelsync.Session connectivity probe stopped", "error", err)
			}
		}()
	}
	s.mu.Unlock()

	if s.channel != nil {
		if err := s.channel.Start(ctx); err != nil {
			return err
		}
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.done:
			}
		}()
	}

	s.logger.Info("parcelsync.Session started", "baseURL", s.opts.BaseURL, "transport", s.opts.Transport)
	return nil
}

// Close tears the session down: pending retries and reconnects are
// cancelled, the push transport is closed and watchers stop. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	stopProbe := s.stopProbe
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if stopProbe != nil {
		stopProbe()
	}

	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.recovery.Close()
	s.closeLoops()
	if err := s.favorites.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("parcelsync.Session closed")
	return errors.Join(errs...)
}

func (s *Session) closeLoops() {
	for _, l := range s.ownedLoops {
		l.Close()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleEvent applies a push event to the cache and wakes the watchers it
// concerns, including those whose current result is not cached.
func (s *Session) handleEvent(ev models.PushEvent) {
	s.applier.Apply(ev)
	s.triggerWatches(func(key resourcekey.Key) bool {
		return invalidation.Matches(ev, key)
	})
}

// refresh runs when connectivity comes back: the push channel cannot replay
// what was missed, so plot collections and statistics are refetched. Every
// call is followed by a full refresh. Calls over the limiter budget are
// delayed, and calls made while one is delayed share it.
func (s *Session) refresh() {
	s.mu.Lock()
	if s.closed || s.refreshQueued {
		s.mu.Unlock()
		return
	}
	now := s.events.Now()
	delay := s.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay > 0 {
		s.refreshQueued = true
	}
	s.mu.Unlock()

	if delay == 0 {
		s.fullRefresh()
		return
	}
	s.logger.Debug("parcelsync.Session delayed a full refresh", "delay", delay.String())
	s.events.ScheduleOnce(delay, func() {
		s.mu.Lock()
		s.refreshQueued = false
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.fullRefresh()
		}
	})
}

func (s *Session) fullRefresh() {
	hit := s.cache.InvalidateFamily(resourcekey.FamilyPlots, resourcekey.FamilyStats)
	s.triggerWatches(func(resourcekey.Key) bool { return true })
	s.logger.Info("parcelsync.Session full refresh", "invalidated", len(hit))
}

// Favorites returns the favorites and recently viewed lists.
func (s *Session) Favorites() *favorites.Service {
	return s.favorites
}

// OnRecovered calls fn once every time a resource served from the fallback
// dataset comes back live.
func (s *Session) OnRecovered(fn func(models.ProvenanceTransitionEvent)) (unsubscribe func()) {
	return s.tracker.OnRecovered(fn)
}

// OnOutdated calls fn every time cached data is served because the server
// answered with an error.
func (s *Session) OnOutdated(fn func(models.StalenessNotice)) (unsubscribe func()) {
	return s.tracker.OnOutdated(fn)
}

// sessionLogger tags every record with the session id.
type sessionLogger struct {
	logger.Logger
	id string
}

// with returns a new slice so the caller's args are never written to.
func (l sessionLogger) with(args []any) []any {
	return slices.Concat(args, []any{"session", l.id})
}

func (l sessionLogger) Error(msg string, args ...any) {
	l.Logger.Error(msg, l.with(args)...)
}

func (l sessionLogger) Warn(msg string, args ...any) {
	l.Logger.Warn(msg, l.with(args)...)
}

func (l sessionLogger) Info(msg string, args ...any) {
	l.Logger.Info(msg, l.with(args)...)
}

func (l sessionLogger) Debug(msg string, args ...any) {
	l.Logger.Debug(msg, l.with(args)...)
}
