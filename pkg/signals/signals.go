// Package signals models the platform events the freshness layer reacts
// to as narrow capabilities: network connectivity, view visibility and
// changes made to persistent storage by another session.
//
// Components depend on these interfaces rather than on a concrete platform,
// which also lets tests drive the reconnect state machine with Toggle-based
// fakes.
package signals

import "sync"

// ConnectivitySource reports whether the network is reachable.
type ConnectivitySource interface {
	Online() bool
	// SubscribeConnectivity calls fn on every online/offline transition.
	SubscribeConnectivity(fn func(online bool)) (unsubscribe func())
}

// VisibilitySource reports whether the owning view is visible.
type VisibilitySource interface {
	Visible() bool
	// SubscribeVisibility calls fn on every hidden/visible transition.
	SubscribeVisibility(fn func(visible bool)) (unsubscribe func())
}

// PersistentStoreChangeSource reports keys changed in persistent storage,
// typically by another session.
type PersistentStoreChangeSource interface {
	SubscribeChanges(fn func(key string)) (unsubscribe func())
}

// toggle is an edge-triggered boolean with subscribers.
type toggle struct {
	mu    sync.Mutex
	value bool
	next  int
	subs  map[int]func(bool)
}

func newToggle(initial bool) *toggle {
	return &toggle{value: initial, subs: make(map[int]func(bool))}
}

func (t *toggle) get() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// set updates the value and notifies subscribers outside the lock when it
// changed.
func (t *toggle) set(v bool) {
	t.mu.Lock()
	if t.value == v {
		t.mu.Unlock()
		return
	}
	t.value = v
	fns := make([]func(bool), 0, len(t.subs))
	for i := 0; i < t.next; i++ {
		if fn, ok := t.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (t *toggle) subscribe(fn func(bool)) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Connectivity is a host-driven ConnectivitySource.
type Connectivity struct {
	t *toggle
}

var _ ConnectivitySource = (*Connectivity)(nil)

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{t: newToggle(online)}
}

func (c *Connectivity) Online() bool {
	return c.t.get()
}

// SetOnline records a connectivity transition.
func (c *Connectivity) SetOnline(online bool) {
	c.t.set(online)
}

func (c *Connectivity) SubscribeConnectivity(fn func(online bool)) func() {
	return c.t.subscribe(fn)
}

// Visibility is a host-driven VisibilitySource.
type Visibility struct {
	t *toggle
}

var _ VisibilitySource = (*Visibility)(nil)

func NewVisibility(visible bool) *Visibility {
	return &Visibility{t: newToggle(visible)}
}

func (v *Visibility) Visible() bool {
	return v.t.get()
}

// SetVisible records a visibility transition.
func (v *Visibility) SetVisible(visible bool) {
	v.t.set(visible)
}

func (v *Visibility) SubscribeVisibility(fn func(visible bool)) func() {
	return v.t.subscribe(fn)
}

// AlwaysVisible is the VisibilitySource for hosts without a view lifecycle,
// such as command-line tools.
type AlwaysVisible struct{}

func (AlwaysVisible) Visible() bool { return true }

func (AlwaysVisible) SubscribeVisibility(func(bool)) func() { return func() {} }
