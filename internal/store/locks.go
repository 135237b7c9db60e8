package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// NodeLock is an advisory lease: while present, node_name is recorded as
// claimed by username through connector. The orchestrator neither acquires
// nor checks these leases; prepare_experiment does not consult them.
type NodeLock struct {
	NodeName  string `json:"node_name"`
	Username  string `json:"username"`
	Connector string `json:"connector"`
}

// AcquireLock claims node_name for (username, connector). It fails if the
// node is already locked by a different (username, connector) pair;
// re-acquiring with the same pair is idempotent.
func (s *Store) AcquireLock(ctx context.Context, lock NodeLock) (bool, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "acquire_lock", start)

	acquired := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		existing := b.Get([]byte(lock.NodeName))
		if existing != nil {
			var cur NodeLock
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			if cur.Username != lock.Username || cur.Connector != lock.Connector {
				return nil // held by someone else; acquired stays false
			}
		}
		data, err := json.Marshal(lock)
		if err != nil {
			return fmt.Errorf("marshal lock: %w", err)
		}
		if err := b.Put([]byte(lock.NodeName), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLock drops the lease on nodeName unconditionally.
func (s *Store) ReleaseLock(ctx context.Context, nodeName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(nodeName))
	})
}

// GetLock reports the current holder of nodeName, if any.
func (s *Store) GetLock(ctx context.Context, nodeName string) (NodeLock, bool, error) {
	var lock NodeLock
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketLocks).Get([]byte(nodeName))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &lock)
	})
	return lock, found, err
}
