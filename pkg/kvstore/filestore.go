package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
)

// FileStore keeps every key in one JSON file. The file is rewritten
// atomically on each change and watched with fsnotify, so writes by other
// processes are picked up and reported as changes.
//
// Writes made through this FileStore are not reported back to its own
// subscribers.
type FileStore struct {
	path string

	mu     sync.Mutex
	data   map[string][]byte
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	changes listeners
	logger  logger.Logger
}

var _ Store = (*FileStore)(nil)

// OpenFile loads path, creating its directory if needed, and starts
// watching it.
func OpenFile(path string, log logger.Logger) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("kvstore: create %s: %w", dir, err)
	}

	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kvstore: watch: %w", err)
	}
	// The directory is watched because atomic rewrites replace the file.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("kvstore: watch %s: %w", dir, err)
	}

	s := &FileStore{
		path:    path,
		data:    data,
		watcher: watcher,
		done:    make(chan struct{}),
		logger:  logger.OrNop(log),
	}
	go s.processEvents()
	return s, nil
}

func readFile(path string) (map[string][]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: read %s: %w", path, err)
	}
	data := make(map[string][]byte)
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("kvstore: decode %s: %w", path, err)
	}
	return data, nil
}

func (s *FileStore) processEvents() {
	defer close(s.done)

	name := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("kvstore.FileStore watch error", "path", s.path, "error", err)
		}
	}
}

// reload re-reads the file and reports the keys whose value differs from
// what this store last saw.
func (s *FileStore) reload() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Read under the lock so a local write cannot land between the read and
	// the swap below.
	data, err := readFile(s.path)
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("kvstore.FileStore reload failed", "path", s.path, "error", err)
		return
	}
	changed := diffKeys(s.data, data)
	s.data = data
	s.mu.Unlock()

	for _, k := range changed {
		s.changes.emit(k)
	}
}

func diffKeys(old, cur map[string][]byte) []string {
	var changed []string
	for k, v := range cur {
		if ov, ok := old[k]; !ok || !bytes.Equal(ov, v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, constants.ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return constants.ErrClosed
	}
	s.data[key] = bytes.Clone(value)
	return s.flushLocked()
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return constants.ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("kvstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("kvstore: write %s: %w", s.path, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: write %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("kvstore: write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, constants.ErrClosed
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) SubscribeChanges(fn func(key string)) func() {
	return s.changes.subscribe(fn)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	<-s.done
	return err
}
