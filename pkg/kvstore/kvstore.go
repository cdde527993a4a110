// Package kvstore is durable local key/value storage with a change signal,
// used to share small pieces of client state (favorites, recently viewed
// plots) across sessions.
//
// Three backends are provided: Memory for tests and single-process hosts,
// Badger for an embedded database, and FileStore for a single JSON file that
// other processes may also write.
package kvstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/parcelsync/parcelsync.go/pkg/signals"
)

// Store is a persistent key/value store. Values are opaque bytes; use
// GetValue and SetValue for typed access.
type Store interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys() ([]string, error)
	Close() error

	signals.PersistentStoreChangeSource
}

// GetValue reads and CBOR-decodes the value at key.
func GetValue[T any](s Store, key string) (v T, ok bool, err error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("kvstore: decode %q: %w", key, err)
	}
	return v, true, nil
}

// SetValue CBOR-encodes v and stores it at key.
func SetValue[T any](s Store, key string, v T) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %q: %w", key, err)
	}
	return s.Set(key, raw)
}

// listeners fans change notifications out to subscribers.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(string)
}

func (l *listeners) subscribe(fn func(string)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(string))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emit(key string) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}
