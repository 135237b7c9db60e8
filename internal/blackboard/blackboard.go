// Package blackboard implements the shared, TTL-keyed byte store that
// interpreters and the watcher use to post and poll results and liveness
// heartbeats without a direct connection between them.
package blackboard

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotFound indicates the key is absent or has expired.
var ErrNotFound = errors.New("blackboard: key not found")

// Blackboard wraps BadgerDB with a get/set/exists/delete surface plus
// native per-key TTL, used for heartbeat records and executor results.
type Blackboard struct {
	db     *badger.DB
	writes metric.Int64Counter
	reads  metric.Int64Counter
}

// Open returns a Blackboard rooted at path.
func Open(path string) (*Blackboard, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("netexp-orchestrator")
	writes, _ := meter.Int64Counter("orch_blackboard_writes_total")
	reads, _ := meter.Int64Counter("orch_blackboard_reads_total")
	return &Blackboard{db: db, writes: writes, reads: reads}, nil
}

func (b *Blackboard) Close() error { return b.db.Close() }

// Set writes value under key with the given TTL. A zero TTL means the
// entry never expires.
func (b *Blackboard) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err == nil {
		b.writes.Add(ctx, 1)
	}
	return err
}

// Get returns the value stored at key, or ErrNotFound if it is absent or
// has expired.
func (b *Blackboard) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	b.reads.Add(ctx, 1)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

// Exists reports whether key is present and unexpired.
func (b *Blackboard) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key; deleting an absent key is a no-op.
func (b *Blackboard) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys within a prefix, for listing every heartbeat/result key belonging to
// one experiment.
func (b *Blackboard) Keys(prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}
