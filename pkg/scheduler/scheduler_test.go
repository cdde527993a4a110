package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("runs callbacks in due order", func(t *testing.T) {
		m := NewManual(start)
		var order []string
		m.ScheduleOnce(30*time.Second, func() { order = append(order, "b") })
		m.ScheduleOnce(15*time.Second, func() { order = append(order, "a") })

		m.Advance(20 * time.Second)
		assert.Equal(t, []string{"a"}, order)
		assert.Equal(t, []time.Duration{10 * time.Second}, m.Pending())

		m.Advance(10 * time.Second)
		assert.Equal(t, []string{"a", "b"}, order)
		assert.Equal(t, start.Add(30*time.Second), m.Now())
	})

	t.Run("callbacks may schedule more work", func(t *testing.T) {
		m := NewManual(start)
		var fired []time.Time
		var tick func()
		tick = func() {
			fired = append(fired, m.Now())
			if len(fired) < 3 {
				m.ScheduleOnce(time.Second, tick)
			}
		}
		m.ScheduleOnce(time.Second, tick)

		m.Advance(10 * time.Second)
		require.Len(t, fired, 3)
		assert.Equal(t, start.Add(3*time.Second), fired[2])
		assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, m.Scheduled())
	})

	t.Run("cancel", func(t *testing.T) {
		m := NewManual(start)
		ran := false
		cancel := m.ScheduleOnce(time.Second, func() { ran = true })

		assert.True(t, cancel())
		assert.False(t, cancel())
		m.Advance(time.Minute)
		assert.False(t, ran)
	})

	t.Run("run next", func(t *testing.T) {
		m := NewManual(start)
		assert.False(t, m.RunNext())

		ran := 0
		m.ScheduleOnce(time.Hour, func() { ran++ })
		assert.True(t, m.RunNext())
		assert.Equal(t, 1, ran)
		assert.Equal(t, start.Add(time.Hour), m.Now())
	})
}

func TestLoop(t *testing.T) {
	t.Run("callbacks run on one goroutine in post order", func(t *testing.T) {
		l := NewLoop(nil)
		defer l.Close()

		var (
			mu    sync.Mutex
			order []int
			wg    sync.WaitGroup
		)
		wg.Add(3)
		for i := 0; i < 3; i++ {
			i := i
			require.True(t, l.Post(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			}))
		}
		wg.Wait()
		assert.Equal(t, []int{0, 1, 2}, order)
	})

	t.Run("post from inside a callback does not block", func(t *testing.T) {
		l := NewLoop(nil)
		defer l.Close()

		done := make(chan struct{})
		l.Post(func() {
			l.Post(func() { close(done) })
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("nested post did not run")
		}
	})

	t.Run("schedule once and cancel", func(t *testing.T) {
		l := NewLoop(nil)
		defer l.Close()

		var fired atomic.Int32
		l.ScheduleOnce(10*time.Millisecond, func() { fired.Add(1) })
		cancel := l.ScheduleOnce(10*time.Millisecond, func() { fired.Add(100) })
		assert.True(t, cancel())

		assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), fired.Load())
	})

	t.Run("close drops pending timers", func(t *testing.T) {
		l := NewLoop(nil)

		var fired atomic.Bool
		l.ScheduleOnce(20*time.Millisecond, func() { fired.Store(true) })
		l.Close()

		select {
		case <-l.Done():
		case <-time.After(time.Second):
			t.Fatal("loop did not stop")
		}
		time.Sleep(40 * time.Millisecond)
		assert.False(t, fired.Load())
		assert.False(t, l.Post(func() {}))
	})

	t.Run("panicking callback does not stop the loop", func(t *testing.T) {
		l := NewLoop(nil)
		defer l.Close()

		done := make(chan struct{})
		l.Post(func() { panic("boom") })
		l.Post(func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("loop stopped after panic")
		}
	})
}
