// Package recovery retries resources that are being served stale.
//
// When a fetch for a key comes back stale-served, the Scheduler refetches it
// after Policy.Delay(0), then Delay(1) and so on, until a refetch is no
// longer stale-served or Policy.Ceiling retries have run. A key has at most
// one pending retry at any time.
//
// This loop is about data freshness per resource key; reconnecting the push
// transport is the realtime package's job.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
	"github.com/parcelsync/parcelsync.go/pkg/scheduler"
)

// Policy is the retry schedule.
type Policy struct {
	Base    time.Duration
	Max     time.Duration
	Ceiling int
}

func DefaultPolicy() Policy {
	return Policy{
		Base:    constants.DefaultRecoveryBase,
		Max:     constants.DefaultRecoveryMax,
		Ceiling: constants.DefaultRetryCeiling,
	}
}

// Delay is the wait before retry n (0-based): min(Base*2^n, Max).
func (p Policy) Delay(n int) time.Duration {
	d := p.Base
	for i := 0; i < n; i++ {
		if d >= p.Max {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// RefetchFunc re-resolves a key and reports the resulting freshness.
type RefetchFunc = func(ctx context.Context) models.Freshness

// State describes the retry cycle of one key.
type State struct {
	Key resourcekey.Key
	// Attempt is the number of retries that already ran.
	Attempt int
	// NextDelay is the delay of the pending retry, if Pending.
	NextDelay      time.Duration
	Pending        bool
	CeilingReached bool
}

type retryState struct {
	key     resourcekey.Key
	attempt int
	delay   time.Duration
	cancel  scheduler.CancelFunc
	refetch RefetchFunc
}

// Scheduler is safe for concurrent use. Retries run on the injected
// scheduler.
type Scheduler struct {
	mu        sync.Mutex
	states    map[resourcekey.Key]*retryState
	exhausted map[resourcekey.Key]int
	closed    bool

	policy  Policy
	sched   scheduler.Scheduler
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Metrics
	logger  logger.Logger
}

type Option func(*Scheduler)

func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.OrNop(l) }
}

func New(sched scheduler.Scheduler, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		states:    make(map[resourcekey.Key]*retryState),
		exhausted: make(map[resourcekey.Key]int),
		policy:    DefaultPolicy(),
		sched:     sched,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe records the freshness of a fetch for key.
//
// A stale-served result starts a retry cycle unless one is already running
// for key. Any other result ends the cycle and clears a reached ceiling.
func (s *Scheduler) Observe(key resourcekey.Key, f models.Freshness, refetch RefetchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	st, active := s.states[key]
	if f != models.FreshnessStaleServed {
		delete(s.exhausted, key)
		if active {
			if st.cancel != nil {
				st.cancel()
			}
			delete(s.states, key)
			s.logger.Info("recovery.Scheduler recovered", "key", key, "attempts", st.attempt, "freshness", f)
		}
		return
	}

	if active {
		if refetch != nil {
			st.refetch = refetch
		}
		return
	}
	if refetch == nil {
		s.logger.Warn("recovery.Scheduler cannot retry without a refetch function", "key", key)
		return
	}

	delete(s.exhausted, key)
	st = &retryState{key: key, refetch: refetch}
	s.states[key] = st
	s.scheduleLocked(st)
}

func (s *Scheduler) scheduleLocked(st *retryState) {
	st.delay = s.policy.Delay(st.attempt)
	s.logger.Debug("recovery.Scheduler scheduling retry", "key", st.key, "attempt", st.attempt, "delay", st.delay)
	st.cancel = s.sched.ScheduleOnce(st.delay, func() { s.tick(st) })
}

func (s *Scheduler) tick(st *retryState) {
	s.mu.Lock()
	if s.closed || s.states[st.key] != st {
		s.mu.Unlock()
		return
	}
	st.cancel = nil
	refetch := st.refetch
	ctx := s.ctx
	s.mu.Unlock()

	s.metrics.RecoveryRetry(st.key.Family())
	f := refetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	// The refetch may have gone through Observe, which already ended the
	// cycle, or the scheduler may have been closed meanwhile.
	if s.closed || s.states[st.key] != st {
		return
	}
	st.attempt++
	if f != models.FreshnessStaleServed {
		delete(s.states, st.key)
		s.logger.Info("recovery.Scheduler recovered", "key", st.key, "attempts", st.attempt, "freshness", f)
		return
	}
	if st.attempt >= s.policy.Ceiling {
		delete(s.states, st.key)
		s.exhausted[st.key] = st.attempt
		s.metrics.CeilingReached(st.key.Family())
		s.logger.Warn("recovery.Scheduler reached the retry ceiling", "key", st.key, "attempts", st.attempt)
		return
	}
	s.scheduleLocked(st)
}

// State returns the retry state of key. ok is false when key is neither
// being retried nor at its ceiling.
func (s *Scheduler) State(key resourcekey.Key) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[key]; ok {
		return State{
			Key:       key,
			Attempt:   st.attempt,
			NextDelay: st.delay,
			Pending:   st.cancel != nil,
		}, true
	}
	if n, ok := s.exhausted[key]; ok {
		return State{Key: key, Attempt: n, CeilingReached: true}, true
	}
	return State{}, false
}

// CeilingReached reports whether key gave up retrying and is waiting for a
// new stale-served observation.
func (s *Scheduler) CeilingReached(key resourcekey.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exhausted[key]
	return ok
}

// Active returns the keys with a running retry cycle.
func (s *Scheduler) Active() []resourcekey.Key {
	s.mu.Lock()
	keys := make([]resourcekey.Key, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Exhausted returns the keys that reached the retry ceiling, sorted.
func (s *Scheduler) Exhausted() []resourcekey.Key {
	s.mu.Lock()
	keys := make([]resourcekey.Key, 0, len(s.exhausted))
	for k := range s.exhausted {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Close cancels every pending retry. A retry tick that already fired is a
// no-op once Close returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for k, st := range s.states {
		if st.cancel != nil {
			st.cancel()
		}
		delete(s.states, k)
	}
	s.cancel()
}
