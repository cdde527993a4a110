package kvstore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
)

// Memory is an in-process Store. Every Set or Remove that changes a value
// is reported to subscribers, so several sessions sharing one Memory see
// each other's writes.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	changes listeners
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, constants.ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return constants.ErrClosed
	}
	old, had := m.data[key]
	m.data[key] = bytes.Clone(value)
	m.mu.Unlock()

	if !had || !bytes.Equal(old, value) {
		m.changes.emit(key)
	}
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return constants.ErrClosed
	}
	_, had := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if had {
		m.changes.emit(key)
	}
	return nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, constants.ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) SubscribeChanges(fn func(key string)) func() {
	return m.changes.subscribe(fn)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
