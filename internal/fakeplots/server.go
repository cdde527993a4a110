// Package fakeplots provides a fake plots API for tests and local demos.
//
// It serves the REST resources, the server-sent event stream and the
// WebSocket push endpoint a parcelsync session talks to. Data changes made
// through the Server publish the matching push events, and failures can be
// injected per route to exercise the fallback, stale-served and reconnect
// paths of a client.
//
// The WebSocket endpoint is implemented using the `gws` library; routing
// uses gorilla/mux.
package fakeplots

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"

	"github.com/parcelsync/parcelsync.go/pkg/fallback"
	"github.com/parcelsync/parcelsync.go/pkg/httpclient"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/models"
)

// Route names a group of endpoints failures can be injected into.
type Route string

const (
	RoutePlots     Route = "plots"
	RoutePlot      Route = "plot"
	RouteNearby    Route = "nearby"
	RouteSimilar   Route = "similar"
	RouteStats     Route = "stats"
	RouteLeads     Route = "leads"
	RouteDashboard Route = "dashboard"
	RouteEvents    Route = "events"
	RouteWebSocket Route = "ws"
)

// RESTRoutes lists every route that serves a resource.
var RESTRoutes = []Route{RoutePlots, RoutePlot, RouteNearby, RouteSimilar, RouteStats, RouteLeads, RouteDashboard}

// FailureType represents the type of failure to inject while serving a request.
type FailureType string

const (
	// FailureNone serves the request normally.
	FailureNone FailureType = "none"
	// FailureStatus responds with StatusCode and a JSON error body.
	FailureStatus FailureType = "status"
	// FailureDelay sleeps for Delay, or until the client gives up, before serving.
	FailureDelay FailureType = "delay"
	// FailureDrop closes the underlying connection without responding.
	FailureDrop FailureType = "drop"
	// FailureMalformed responds 200 with a body that is not valid JSON.
	FailureMalformed FailureType = "malformed"
	// FailureEmpty responds 200 with an empty collection or object.
	FailureEmpty FailureType = "empty"
)

// FailureConfig defines how and when to inject a failure.
type FailureConfig struct {
	Type FailureType
	// Probability of triggering this failure (0.0 to 1.0).
	Probability float64
	// StatusCode is the response status for FailureStatus.
	StatusCode int
	// Delay is the wait for FailureDelay.
	Delay time.Duration
}

// Status returns a failure that always answers code.
func Status(code int) FailureConfig {
	return FailureConfig{Type: FailureStatus, Probability: 1, StatusCode: code}
}

// Delay returns a failure that always waits d before serving.
func Delay(d time.Duration) FailureConfig {
	return FailureConfig{Type: FailureDelay, Probability: 1, Delay: d}
}

// Drop returns a failure that always drops the connection.
func Drop() FailureConfig {
	return FailureConfig{Type: FailureDrop, Probability: 1}
}

// Malformed returns a failure that always sends an undecodable body.
func Malformed() FailureConfig {
	return FailureConfig{Type: FailureMalformed, Probability: 1}
}

// Empty returns a failure that always sends an empty payload.
func Empty() FailureConfig {
	return FailureConfig{Type: FailureEmpty, Probability: 1}
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = logger.OrNop(l) }
}

// WithoutHandshake stops the push endpoints from sending the connected
// event when a client subscribes.
func WithoutHandshake() Option {
	return func(s *Server) { s.handshake = false }
}

// WithClock replaces time.Now for timestamps on created records.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is a fake plots API. It is safe for concurrent use.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server
	router   *mux.Router
	upgrader *gws.Upgrader

	mu       sync.RWMutex
	plots    map[string]models.Plot
	leads    []models.Lead
	failures map[Route]FailureConfig
	requests map[Route]int
	clients  map[string]struct{}

	subMu      sync.Mutex
	nextSubID  int
	sseSubs    map[int]*sseSubscriber
	wsSubs     map[*gws.Conn]struct{}
	handshake  bool
	closedOnce sync.Once
	done       chan struct{}

	now    func() time.Time
	logger logger.Logger
}

// NewServer creates a server seeded with the bundled plot dataset.
// Use "127.0.0.1:0" to bind to a random available port.
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		plots:     make(map[string]models.Plot),
		failures:  make(map[Route]FailureConfig),
		requests:  make(map[Route]int),
		clients:   make(map[string]struct{}),
		sseSubs:   make(map[int]*sseSubscriber),
		wsSubs:    make(map[*gws.Conn]struct{}),
		handshake: true,
		done:      make(chan struct{}),
		now:       time.Now,
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range fallback.Bundled().Plots(models.PlotFilter{}) {
		s.plots[p.ID] = p
	}

	s.upgrader = gws.NewUpgrader(&wsHandler{server: s}, &gws.ServerOption{})
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(httpclient.PathPlots, s.guard(RoutePlots, s.handleListPlots)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathPlots+"/{id}", s.guard(RoutePlot, s.handleGetPlot)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathPlots+"/{id}/nearby", s.guard(RouteNearby, s.handleNearby)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathPlots+"/{id}/similar", s.guard(RouteSimilar, s.handleSimilar)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathStats, s.guard(RouteStats, s.handleStats)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathLeads, s.guard(RouteLeads, s.handleListLeads)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathDashboard, s.guard(RouteDashboard, s.handleDashboard)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathEvents, s.guard(RouteEvents, s.handleEvents)).Methods(http.MethodGet)
	r.HandleFunc(httpclient.PathWebSocket, s.guard(RouteWebSocket, s.handleWebSocket)).Methods(http.MethodGet)
	r.Methods(http.MethodHead).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server and begins accepting connections.
// Returns an error if the server cannot bind to the specified address.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("fakeplots.Server stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes every push connection and shuts the server down.
func (s *Server) Stop() error {
	s.closedOnce.Do(func() { close(s.done) })
	s.DropConnections()
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Address returns the actual address the server is listening on.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the http base URL of a started server.
func (s *Server) URL() string {
	return "http://" + s.Address()
}

// SetFailure injects cfg into every request on route until cleared.
func (s *Server) SetFailure(route Route, cfg FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = cfg
}

// SetFailures injects cfg into every listed route.
func (s *Server) SetFailures(cfg FailureConfig, routes ...Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range routes {
		s.failures[r] = cfg
	}
}

func (s *Server) ClearFailure(route Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
}

func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[Route]FailureConfig)
}

// Requests returns how many requests route has received.
func (s *Server) Requests(route Route) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[route]
}

// ClientIDs returns the distinct client ids seen, sorted.
func (s *Server) ClientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// guard counts the request, records the client id and applies the
// failure configured for route before calling next.
func (s *Server) guard(route Route, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get(httpclient.ClientIDHeader)
		if clientID == "" {
			clientID = r.URL.Query().Get("client")
		}

		s.mu.Lock()
		s.requests[route]++
		if clientID != "" {
			s.clients[clientID] = struct{}{}
		}
		failure, ok := s.failures[route]
		s.mu.Unlock()

		if ok && shouldTriggerFailure(failure.Probability) {
			if handled := s.applyFailure(w, r, route, failure); handled {
				return
			}
		}
		next(w, r)
	}
}

// applyFailure returns true when the response has been written or the
// connection is gone.
func (s *Server) applyFailure(w http.ResponseWriter, r *http.Request, route Route, failure FailureConfig) bool {
	switch failure.Type {
	case FailureStatus:
		code := failure.StatusCode
		if code == 0 {
			code = http.StatusInternalServerError
		}
		respondError(w, code, "failure injection")
		return true

	case FailureDelay:
		select {
		case <-time.After(failure.Delay):
			return false
		case <-r.Context().Done():
			return true
		case <-s.done:
			return true
		}

	case FailureDrop:
		hj, ok := w.(http.Hijacker)
		if !ok {
			respondError(w, http.StatusBadGateway, "connection dropped")
			return true
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			s.logger.Error("fakeplots.Server failed to hijack connection", "error", err)
			return true
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		_ = conn.Close()
		return true

	case FailureMalformed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": "truncated`))
		return true

	case FailureEmpty:
		switch route {
		case RoutePlots, RouteNearby, RouteSimilar, RouteLeads:
			respondJSON(w, http.StatusOK, []any{})
		default:
			respondJSON(w, http.StatusOK, struct{}{})
		}
		return true
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		response = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return true
	}
	return float64(n.Int64())/float64(1<<53) < probability
}

func errNotFound(kind, id string) error {
	return fmt.Errorf("%s %q not found", kind, id)
}
