package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/logger"
)

type task struct {
	fn        func()
	cancelled atomic.Bool
}

// Loop is a single-goroutine event loop with timers.
type Loop struct {
	mu     sync.Mutex
	queue  []*task
	timers map[uint64]*time.Timer
	nextID uint64
	closed bool

	wake    chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}

	logger logger.Logger
}

var _ Scheduler = (*Loop)(nil)

// NewLoop starts a loop goroutine. Close stops it.
func NewLoop(log logger.Logger) *Loop {
	l := &Loop{
		timers:  make(map[uint64]*time.Timer),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger.OrNop(log),
	}
	go l.run()
	return l
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn to run on the loop goroutine. It returns false once the
// loop is closed. Post never blocks, so callbacks may post further work.
func (l *Loop) Post(fn func()) bool {
	_, ok := l.post(fn)
	return ok
}

func (l *Loop) post(fn func()) (*task, bool) {
	t := &task{fn: fn}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, false
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return t, true
}

// ScheduleOnce runs fn on the loop goroutine after delay.
func (l *Loop) ScheduleOnce(delay time.Duration, fn func()) CancelFunc {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return func() bool { return false }
	}

	id := l.nextID
	l.nextID++

	var (
		queued   atomic.Pointer[task]
		canceled atomic.Bool
	)

	l.timers[id] = time.AfterFunc(delay, func() {
		l.mu.Lock()
		_, pending := l.timers[id]
		delete(l.timers, id)
		l.mu.Unlock()

		if !pending || canceled.Load() {
			return
		}
		if t, ok := l.post(fn); ok {
			queued.Store(t)
			if canceled.Load() {
				t.cancelled.Store(true)
			}
		}
	})

	return func() bool {
		if canceled.Swap(true) {
			return false
		}

		l.mu.Lock()
		timer, pending := l.timers[id]
		delete(l.timers, id)
		l.mu.Unlock()

		if pending {
			timer.Stop()
			return true
		}
		if t := queued.Load(); t != nil {
			return !t.cancelled.Swap(true)
		}
		return false
	}
}

// Close stops all timers and drops queued callbacks. A callback that is
// already running finishes. Close does not wait for it, so it is safe to call
// from inside a callback; use Done to wait.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	for _, t := range l.queue {
		t.cancelled.Store(true)
	}
	l.queue = nil
	l.mu.Unlock()

	close(l.closeCh)
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

func (l *Loop) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.closeCh:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			t := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			if t.cancelled.Swap(true) {
				continue
			}
			l.exec(t.fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("scheduler.Loop callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
