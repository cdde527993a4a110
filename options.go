package parcelsync

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/parcelsync/parcelsync.go/pkg/fallback"
	"github.com/parcelsync/parcelsync.go/pkg/kvstore"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/realtime"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
	"github.com/parcelsync/parcelsync.go/pkg/signals"
)

type Option func(*Session)

func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.logger = logger.OrNop(l) }
}

// WithMetrics records session activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tracerProvider = tp }
}

// WithConnectivity replaces the connectivity signal. Without it the session
// probes Options.ProbeURL when set and otherwise assumes it is online.
func WithConnectivity(c signals.ConnectivitySource) Option {
	return func(s *Session) { s.connectivity = c }
}

// WithVisibility replaces the visibility signal, which defaults to always
// visible.
func WithVisibility(v signals.VisibilitySource) Option {
	return func(s *Session) { s.visibility = v }
}

// WithSchedulers runs recovery retries on retries and push channel
// reconnects on events instead of on session-owned loops.
func WithSchedulers(retries, events scheduler.Scheduler) Option {
	return func(s *Session) {
		s.retries = retries
		s.events = events
	}
}

// WithDialer replaces the push transport selected by Options.Transport.
func WithDialer(d realtime.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// WithDataset replaces the bundled fallback dataset.
func WithDataset(d *fallback.Dataset) Option {
	return func(s *Session) { s.dataset = d }
}

// WithStore persists favorites in store instead of the store selected by
// Options.Store. The caller keeps ownership of store.
func WithStore(store kvstore.Store) Option {
	return func(s *Session) { s.store = store }
}
