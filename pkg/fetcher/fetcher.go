// Package fetcher resolves one logical resource at a time: it calls the
// primary source with a timeout, falls back to the bundled dataset when the
// primary cannot be used, and tags every result with its provenance.
//
// Resolution order for a key:
//
//  1. A fresh, live cache entry is returned as is (unless Force is set).
//  2. The primary call runs, deduplicated across concurrent callers.
//  3. A successful, non-empty response is live and is cached.
//  4. A server error while the cache holds a live value returns that value
//     flagged stale-served.
//  5. Anything else (transport failure, timeout, unexpected empty response,
//     server error with nothing cached) reads the fallback dataset.
//
// Fallback never fails: a missing or panicking fallback yields the zero
// value with ProvenanceFallback.
package fetcher

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/freshness"
	"github.com/parcelsync/parcelsync.go/pkg/httpclient"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/querycache"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

const tracerName = "github.com/parcelsync/parcelsync.go/pkg/fetcher"

// Request describes one resource.
type Request[T any] struct {
	Key resourcekey.Key
	// Primary calls the remote source.
	Primary func(ctx context.Context) (T, error)
	// Fallback reads the bundled dataset. It must not do network I/O.
	Fallback func() T

	// Timeout bounds Primary. Zero uses the fetcher's default.
	Timeout time.Duration
	// Force skips fresh cache entries.
	Force bool
	// ExpectNonEmpty treats an empty primary response as a failure.
	// IsEmpty decides what empty means; ResolveList sets it.
	ExpectNonEmpty bool
	IsEmpty        func(T) bool
	// Count reports the number of items in a result. Nil counts 1.
	Count func(T) int
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	cache   *querycache.Cache
	flights singleflight.Group
	tracker *freshness.Tracker
	timeout time.Duration
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics.Metrics
	logger  logger.Logger
}

type Option func(*Fetcher)

// WithTimeout sets the default primary call timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithTracker reports every resolution to t.
func WithTracker(t *freshness.Tracker) Option {
	return func(f *Fetcher) { f.tracker = t }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Fetcher) { f.tracer = tp.Tracer(tracerName) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(f *Fetcher) { f.logger = logger.OrNop(l) }
}

func New(cache *querycache.Cache, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:   cache,
		timeout: constants.DefaultFetchTimeout,
		now:     time.Now,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Cache returns the query cache results are stored in.
func (f *Fetcher) Cache() *querycache.Cache {
	return f.cache
}

// outcome is what one flight of a key produced.
type outcome[T any] struct {
	result     models.FetchResult[T]
	statusCode int
}

// Resolve returns req's resource. It never returns an error.
func Resolve[T any](ctx context.Context, f *Fetcher, req Request[T]) models.FetchResult[T] {
	ctx, span := f.tracer.Start(ctx, "fetcher.Resolve",
		trace.WithAttributes(attribute.String("resource.key", req.Key.String())))
	defer span.End()

	if !req.Force {
		if cached, ok := cachedLive[T](f, req.Key); ok && !f.cache.IsStale(req.Key) {
			span.SetAttributes(
				attribute.String("provenance", string(cached.Provenance)),
				attribute.Bool("cache.hit", true),
			)
			return cached
		}
	}

	// Only the caller that ran the flight reports it, after the flight is
	// over, so observers may resolve the same key again.
	leader := false
	v, _, _ := f.flights.Do(string(req.Key), func() (any, error) {
		leader = true
		return resolveOnce(ctx, f, req, span), nil
	})
	out := v.(outcome[T])
	if leader {
		observe(f, req, out)
	}

	span.SetAttributes(
		attribute.String("provenance", string(out.result.Provenance)),
		attribute.String("freshness", string(out.result.Freshness())),
	)
	return out.result
}

// Prefetch warms req's cache entry when it is missing or stale, so a later
// Resolve is served from the cache. Fallback results are not cached, so
// prefetching while the primary is down only reports the outage.
func Prefetch[T any](ctx context.Context, f *Fetcher, req Request[T]) {
	if !req.Force && !f.cache.IsStale(req.Key) {
		return
	}
	res := Resolve(ctx, f, req)
	f.logger.Debug("fetcher.Fetcher prefetched", "key", req.Key, "freshness", string(res.Freshness()))
}

// ResolveList resolves a collection. ExpectNonEmpty, when set, treats an
// empty slice from the primary source as a failure.
func ResolveList[E any](ctx context.Context, f *Fetcher, req Request[[]E]) models.FetchResult[[]E] {
	return Resolve(ctx, f, listRequest(req))
}

// PrefetchList is Prefetch for a collection.
func PrefetchList[E any](ctx context.Context, f *Fetcher, req Request[[]E]) {
	Prefetch(ctx, f, listRequest(req))
}

func listRequest[E any](req Request[[]E]) Request[[]E] {
	if req.IsEmpty == nil {
		req.IsEmpty = func(v []E) bool { return len(v) == 0 }
	}
	if req.Count == nil {
		req.Count = func(v []E) int { return len(v) }
	}
	return req
}

func resolveOnce[T any](ctx context.Context, f *Fetcher, req Request[T], span trace.Span) outcome[T] {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}

	data, err := callPrimary(ctx, req, timeout)
	switch {
	case err == nil && req.ExpectNonEmpty && req.IsEmpty != nil && req.IsEmpty(data):
		f.logger.Info("fetcher.Fetcher primary returned no items, using fallback", "key", req.Key)
		return outcome[T]{result: fallbackResult(f, req)}

	case err == nil:
		res := models.FetchResult[T]{Data: data, Provenance: models.ProvenanceLive, FetchedAt: f.now()}
		f.cache.Set(req.Key, res)
		return outcome[T]{result: res}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if se, ok := httpclient.AsServerError(err); ok {
		if cached, ok := cachedLive[T](f, req.Key); ok {
			f.logger.Warn("fetcher.Fetcher primary failed, serving cached data",
				"key", req.Key, "status", se.StatusCode)
			cached.StaleServed = true
			return outcome[T]{result: cached, statusCode: se.StatusCode}
		}
	}

	switch {
	case errors.Is(err, constants.ErrTimeout):
		f.logger.Warn("fetcher.Fetcher primary timed out, using fallback", "key", req.Key, "timeout", timeout)
	default:
		f.logger.Warn("fetcher.Fetcher primary failed, using fallback", "key", req.Key, "error", err)
	}
	return outcome[T]{result: fallbackResult(f, req)}
}

func callPrimary[T any](ctx context.Context, req Request[T], timeout time.Duration) (data T, err error) {
	if req.Primary == nil {
		return data, constants.ErrTransportUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err = req.Primary(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, constants.ErrTimeout) {
		err = errors.Join(constants.ErrTimeout, err)
	}
	return data, err
}

func fallbackResult[T any](f *Fetcher, req Request[T]) (res models.FetchResult[T]) {
	res = models.FetchResult[T]{Provenance: models.ProvenanceFallback, FetchedAt: f.now()}
	if req.Fallback == nil {
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("fetcher.Fetcher fallback panicked", "key", req.Key, "panic", r)
			var zero T
			res.Data = zero
		}
	}()
	res.Data = req.Fallback()
	return res
}

// cachedLive returns the cached live result of key, fresh or not.
func cachedLive[T any](f *Fetcher, key resourcekey.Key) (models.FetchResult[T], bool) {
	e, ok := f.cache.Get(key)
	if !ok {
		return models.FetchResult[T]{}, false
	}
	res, ok := e.Value.(models.FetchResult[T])
	if !ok || res.Provenance != models.ProvenanceLive {
		return models.FetchResult[T]{}, false
	}
	res.StaleServed = false
	return res, true
}

func observe[T any](f *Fetcher, req Request[T], out outcome[T]) {
	fr := out.result.Freshness()
	f.metrics.ObserveFetch(req.Key.Family(), string(fr))
	if f.tracker == nil {
		return
	}

	count := 1
	if req.Count != nil {
		count = req.Count(out.result.Data)
	}

	forced := req
	forced.Force = true
	f.tracker.Observe(freshness.Observation{
		Key:        req.Key,
		Provenance: out.result.Provenance,
		Freshness:  fr,
		ItemCount:  count,
		StatusCode: out.statusCode,
		Refetch: func(ctx context.Context) models.Freshness {
			return Resolve(ctx, f, forced).Freshness()
		},
	})
}
