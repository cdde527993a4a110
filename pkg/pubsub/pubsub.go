// Package pubsub is a typed, in-process publish/subscribe bus. It lets
// notification surfaces react to fetch outcomes without being called from
// the fetch call site.
package pubsub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parcelsync/parcelsync.go/pkg/logger"
)

// Topics used by parcelsync.
const (
	TopicProvenanceRecovered = "provenance-recovered"
	TopicDataOutdated        = "data-outdated"
)

// Handler receives published messages.
type Handler[T any] func(topic string, msg T)

// Bus delivers messages of type T to in-process subscribers.
//
// Publish calls handlers synchronously, in subscription order, on the
// publishing goroutine. A panicking handler is logged and skipped.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string][]subscription[T]
	next   int
	logger logger.Logger
}

type subscription[T any] struct {
	id      int
	handler Handler[T]
}

// New constructs an empty bus.
func New[T any](log logger.Logger) *Bus[T] {
	return &Bus[T]{subs: make(map[string][]subscription[T]), logger: logger.OrNop(log)}
}

// Subscribe registers handler for topic and returns a function removing it.
func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) (func(), error) {
	if b == nil {
		return nil, errors.New("pubsub is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}, nil
}

// Publish delivers msg to the current subscribers of topic and returns how
// many received it.
func (b *Bus[T]) Publish(topic string, msg T) int {
	if b == nil {
		return 0
	}

	b.mu.RLock()
	subs := append([]subscription[T](nil), b.subs[topic]...)
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if b.deliver(topic, sub, msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus[T]) deliver(topic string, sub subscription[T], msg T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("pubsub handler panicked", "topic", topic, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	sub.handler(topic, msg)
	return true
}

func (b *Bus[T]) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}
