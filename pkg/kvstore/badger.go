package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/parcelsync/parcelsync.go/pkg/logger"
)

// BadgerConfig configures OpenBadger.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path     string
	InMemory bool
	// Prefix namespaces every key this store touches.
	Prefix string
}

// Badger is a Store backed by an embedded badger database. Several Badger
// stores may share one *badger.DB; writes made through any of them are
// reported to the subscribers of all of them.
type Badger struct {
	db     *badger.DB
	ownsDB bool
	prefix string

	changes listeners
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	logger    logger.Logger
}

var _ Store = (*Badger)(nil)

// OpenBadger opens a database and returns a store that owns it.
func OpenBadger(cfg BadgerConfig, log logger.Logger) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kvstore: path is required for a persistent badger store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("kvstore: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger: %w", err)
	}

	b := NewBadger(db, cfg.Prefix, log)
	b.ownsDB = true
	return b, nil
}

// NewBadger wraps an open database. Close does not close db.
func NewBadger(db *badger.DB, prefix string, log logger.Logger) *Badger {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Badger{
		db:     db,
		prefix: prefix,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.OrNop(log),
	}
	go b.watch(ctx)
	return b
}

func (b *Badger) watch(ctx context.Context) {
	defer close(b.done)

	match := []pb.Match{{Prefix: []byte(b.prefix)}}
	err := b.db.Subscribe(ctx, func(list *badger.KVList) error {
		for _, kv := range list.Kv {
			b.changes.emit(strings.TrimPrefix(string(kv.Key), b.prefix))
		}
		return nil
	}, match)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("kvstore.Badger subscription ended", "error", err)
	}
}

func (b *Badger) key(k string) []byte {
	return []byte(b.prefix + k)
}

func (b *Badger) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return value, true, nil
}

func (b *Badger) Set(key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), value)
	})
	if err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Remove(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
	if err != nil {
		return fmt.Errorf("kvstore: remove %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(b.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), b.prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Badger) SubscribeChanges(fn func(key string)) func() {
	return b.changes.subscribe(fn)
}

// Close stops change delivery and closes the database if this store opened
// it.
func (b *Badger) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
		if b.ownsDB {
			err = b.db.Close()
		}
	})
	return err
}
