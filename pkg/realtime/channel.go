// Package realtime keeps one long-lived push connection per session and
// forwards the change notifications it carries.
//
// The Channel is a three-state machine, Disconnected, Connecting and
// Connected, driven by transport events and by connectivity and visibility
// signals:
//
//   - Start connects unless the device is offline or a transport is already
//     open or opening.
//   - A transport that fails or closes leaves the channel Disconnected and
//     schedules a reconnect after the current backoff delay, which then
//     doubles up to its ceiling.
//   - Going offline closes the transport and cancels any pending reconnect.
//   - Coming back online resets the backoff, reconnects and asks the owner
//     for a full refresh, since missed notifications are never replayed.
//   - Becoming visible while not connected resets the backoff and
//     reconnects.
//   - A {"type":"connected"} message resets the backoff and confirms the
//     connection.
//
// Start is idempotent, so signals that fire together (a laptop waking up
// reports both online and visible) cause a single connection attempt.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
	"github.com/parcelsync/parcelsync.go/pkg/signals"
)

// EventHandler receives every well-formed push event except the connected
// handshake.
type EventHandler func(models.PushEvent)

// Channel is safe for concurrent use.
type Channel struct {
	mu      sync.Mutex
	state   State
	backoff *Backoff
	closed  bool
	started bool

	// gen identifies the current transport attempt. Callbacks from an older
	// attempt see a different value and do nothing.
	gen           uint64
	stream        Stream
	cancelAttempt context.CancelFunc

	reconnect      scheduler.CancelFunc
	reconnectToken uint64

	baseCtx      context.Context
	unsubscribes []func()

	dialer       Dialer
	sched        scheduler.Scheduler
	connectivity signals.ConnectivitySource
	visibility   signals.VisibilitySource
	onEvent      EventHandler
	onRefresh    func()
	metrics      *metrics.Metrics
	logger       logger.Logger
}

type Option func(*Channel)

func WithConnectivity(s signals.ConnectivitySource) Option {
	return func(c *Channel) { c.connectivity = s }
}

func WithVisibility(s signals.VisibilitySource) Option {
	return func(c *Channel) { c.visibility = s }
}

// WithEventHandler sets the receiver of push events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Channel) { c.onEvent = h }
}

// WithRefresh sets the one-shot full refresh run when connectivity returns.
func WithRefresh(fn func()) Option {
	return func(c *Channel) { c.onRefresh = fn }
}

func WithBackoff(floor, ceiling time.Duration) Option {
	return func(c *Channel) { c.backoff = NewBackoff(floor, ceiling) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Channel) { c.logger = logger.OrNop(l) }
}

func New(dialer Dialer, sched scheduler.Scheduler, opts ...Option) *Channel {
	c := &Channel{
		state:        StateDisconnected,
		backoff:      NewBackoff(constants.DefaultBackoffFloor, constants.DefaultBackoffCeiling),
		dialer:       dialer,
		sched:        sched,
		connectivity: signals.NewConnectivity(true),
		visibility:   signals.AlwaysVisible{},
		baseCtx:      context.Background(),
		logger:       logger.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start subscribes to the signal sources on first use and connects. It is
// a no-op while connecting or connected. When ctx is done the channel is
// closed.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return constants.ErrClosed
	}
	first := !c.started
	if first {
		c.started = true
		c.baseCtx = context.WithoutCancel(ctx)
	}
	c.mu.Unlock()

	if first {
		c.subscribe()
		if ctx.Done() != nil {
			go func() {
				<-ctx.Done()
				c.Close()
			}()
		}
	}

	c.mu.Lock()
	c.startLocked()
	c.mu.Unlock()
	return nil
}

func (c *Channel) subscribe() {
	unsubscribes := []func(){
		c.connectivity.SubscribeConnectivity(func(online bool) {
			if online {
				c.handleOnline()
			} else {
				c.handleOffline()
			}
		}),
		c.visibility.SubscribeVisibility(func(visible bool) {
			if visible {
				c.handleVisible()
			}
		}),
	}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.unsubscribes = unsubscribes
	}
	c.mu.Unlock()

	if closed {
		for _, u := range unsubscribes {
			u()
		}
	}
}

func (c *Channel) transitionLocked(newState State) {
	if err := c.state.validateTransitionTo(newState); err != nil {
		c.logger.Error("BUG: realtime.Channel rejected a state transition", "error", err)
		return
	}
	if c.state != newState {
		c.logger.Debug("realtime.Channel state transitioned", "from", c.state, "to", newState)
	}
	c.state = newState
	c.metrics.SetChannelState(int(newState))
}

// startLocked opens a transport if the channel is idle and online.
func (c *Channel) startLocked() {
	if c.closed || c.state != StateDisconnected {
		return
	}
	if !c.connectivity.Online() {
		c.logger.Debug("realtime.Channel is offline, not connecting")
		return
	}

	c.cancelReconnectLocked()
	c.transitionLocked(StateConnecting)
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancelAttempt = cancel
	c.metrics.ReconnectAttempt()

	go c.connect(ctx, gen)
}

func (c *Channel) connect(ctx context.Context, gen uint64) {
	stream, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("realtime.Channel failed to connect", "error", err)
		c.failLocked()
		c.mu.Unlock()
		return
	}
	c.stream = stream
	c.transitionLocked(StateConnected)
	c.backoff.Reset()
	c.logger.Info("realtime.Channel connected")
	c.mu.Unlock()

	c.read(gen, stream)
}

func (c *Channel) read(gen uint64, stream Stream) {
	for {
		payload, err := stream.Recv()
		if err != nil {
			c.mu.Lock()
			if !c.closed && gen == c.gen {
				c.logger.Warn("realtime.Channel transport closed", "error", err)
				c.failLocked()
			}
			c.mu.Unlock()
			return
		}

		ev, err := models.ParsePushEvent(payload)
		if err != nil {
			c.metrics.MalformedEvent()
			c.logger.Debug("realtime.Channel dropped a malformed event", "error", err)
			continue
		}
		c.metrics.PushEvent(string(ev.Type))

		if ev.Type == models.EventConnected {
			c.mu.Lock()
			if !c.closed && gen == c.gen {
				c.backoff.Reset()
				c.transitionLocked(StateConnected)
			}
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		current := !c.closed && gen == c.gen
		handler := c.onEvent
		c.mu.Unlock()
		if current && handler != nil {
			c.deliver(handler, ev)
		}
	}
}

func (c *Channel) deliver(handler EventHandler, ev models.PushEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime.Channel event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	handler(ev)
}

// failLocked drops the current transport and schedules a reconnect.
func (c *Channel) failLocked() {
	c.dropTransportLocked()
	c.transitionLocked(StateDisconnected)
	c.scheduleReconnectLocked()
}

// dropTransportLocked invalidates the current attempt and closes its
// transport.
func (c *Channel) dropTransportLocked() {
	c.gen++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	if c.stream != nil {
		stream := c.stream
		c.stream = nil
		go stream.Close()
	}
}

func (c *Channel) scheduleReconnectLocked() {
	if c.closed || !c.connectivity.Online() || c.reconnect != nil {
		return
	}
	delay := c.backoff.Next()
	c.reconnectToken++
	token := c.reconnectToken
	c.logger.Debug("realtime.Channel scheduling reconnect", "delay", delay)

	c.reconnect = c.sched.ScheduleOnce(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// The timer may fire after it was cancelled or replaced.
		if c.closed || token != c.reconnectToken || c.reconnect == nil {
			return
		}
		c.reconnect = nil
		c.startLocked()
	})
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
	c.reconnectToken++
}

func (c *Channel) handleOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.logger.Info("realtime.Channel went offline")
	c.cancelReconnectLocked()
	c.dropTransportLocked()
	c.transitionLocked(StateDisconnected)
}

func (c *Channel) handleOnline() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.logger.Info("realtime.Channel came back online")
	c.backoff.Reset()
	c.startLocked()
	refresh := c.onRefresh
	c.mu.Unlock()

	if refresh != nil {
		refresh()
	}
}

func (c *Channel) handleVisible() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state == StateConnected {
		return
	}
	c.logger.Debug("realtime.Channel became visible while not connected")
	c.backoff.Reset()
	c.startLocked()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BackoffDelay is the delay the next reconnect would wait.
func (c *Channel) BackoffDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Delay()
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Channel) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

// Close tears the channel down: the reconnect timer is cancelled, the
// transport closed and the signal subscriptions removed. A timer that
// already fired does nothing once Close returns.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelReconnectLocked()
	c.dropTransportLocked()
	c.transitionLocked(StateDisconnected)
	unsubscribes := c.unsubscribes
	c.unsubscribes = nil
	c.mu.Unlock()

	for _, u := range unsubscribes {
		u()
	}
	c.logger.Debug("realtime.Channel closed")
	return nil
}

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
