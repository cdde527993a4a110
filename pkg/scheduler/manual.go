package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a fake clock. Callbacks run synchronously, in due order, on the
// goroutine that calls Advance or RunNext.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTask
	delays  []time.Duration
}

type manualTask struct {
	seq   uint64
	due   time.Time
	delay time.Duration
	fn    func()
}

var _ Scheduler = (*Manual)(nil)

// NewManual returns a fake clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) ScheduleOnce(delay time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	m.seq++
	t := &manualTask{seq: m.seq, due: m.now.Add(delay), delay: delay, fn: fn}
	m.pending = append(m.pending, t)
	m.delays = append(m.delays, delay)

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, p := range m.pending {
			if p == t {
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Advance moves the clock forward by d, running every callback that becomes
// due, including callbacks scheduled by those callbacks.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	if m.now.Before(target) {
		m.now = target
	}
	m.mu.Unlock()
}

// RunNext jumps to the earliest pending callback and runs it. It returns
// false when nothing is pending.
func (m *Manual) RunNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	m.sortLocked()
	due := m.pending[0].due
	m.mu.Unlock()

	t := m.popDue(due)
	if t == nil {
		return false
	}
	t.fn()
	return true
}

// Pending returns the remaining delay of every pending callback, soonest first.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sortLocked()
	out := make([]time.Duration, len(m.pending))
	for i, t := range m.pending {
		out[i] = t.due.Sub(m.now)
	}
	return out
}

// Scheduled returns every delay ever passed to ScheduleOnce, in call order.
func (m *Manual) Scheduled() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

func (m *Manual) popDue(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}
	m.sortLocked()
	t := m.pending[0]
	if t.due.After(target) {
		return nil
	}
	m.pending = m.pending[1:]
	if t.due.After(m.now) {
		m.now = t.due
	}
	return t
}

func (m *Manual) sortLocked() {
	sort.SliceStable(m.pending, func(i, j int) bool {
		if !m.pending[i].due.Equal(m.pending[j].due) {
			return m.pending[i].due.Before(m.pending[j].due)
		}
		return m.pending[i].seq < m.pending[j].seq
	})
}
