package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/netexp/orchestrator/internal/model"
)

func executorKey(experimentID, executorID string) []byte {
	return []byte(experimentID + "/" + executorID)
}

// PutExecutor upserts one executor row, keyed by (experiment_id,
// executor_id) so ListExecutorsByExperiment can prefix-scan.
func (s *Store) PutExecutor(ctx context.Context, rec model.ExecutorRecord) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_executor", start)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal executor: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutors).Put(executorKey(rec.ExperimentID, rec.ExecutorID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketExecutorIdx).Put([]byte(rec.ExecutorID), []byte(rec.ExperimentID))
	})
	if err != nil {
		return fmt.Errorf("write executor: %w", err)
	}
	return nil
}

// ExperimentIDForExecutor resolves the experiment owning a server-unique
// executor_id, used by cancel_executors where only bare ids are given.
func (s *Store) ExperimentIDForExecutor(ctx context.Context, executorID string) (string, bool, error) {
	var experimentID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketExecutorIdx).Get([]byte(executorID))
		if v != nil {
			experimentID = string(v)
		}
		return nil
	})
	return experimentID, experimentID != "", err
}

// GetExecutor looks up one executor row.
func (s *Store) GetExecutor(ctx context.Context, experimentID, executorID string) (model.ExecutorRecord, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_executor", start)

	var rec model.ExecutorRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketExecutors).Get(executorKey(experimentID, executorID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return model.ExecutorRecord{}, false, fmt.Errorf("read executor: %w", err)
	}
	return rec, found, nil
}

// ListExecutorsByExperiment returns every executor row belonging to
// experimentID, relying on the key prefix "experimentID/".
func (s *Store) ListExecutorsByExperiment(ctx context.Context, experimentID string) ([]model.ExecutorRecord, error) {
	prefix := []byte(experimentID + "/")
	var out []model.ExecutorRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExecutors).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec model.ExecutorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteExecutorsByExperiment removes every executor row for experimentID,
// used once the experiment itself is deleted.
func (s *Store) DeleteExecutorsByExperiment(ctx context.Context, experimentID string) error {
	prefix := []byte(experimentID + "/")
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		idx := tx.Bucket(bucketExecutorIdx)
		c := b.Cursor()
		var keys [][]byte
		var executorIDs []string
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			var rec model.ExecutorRecord
			if err := json.Unmarshal(v, &rec); err == nil {
				executorIDs = append(executorIDs, rec.ExecutorID)
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, id := range executorIDs {
			if err := idx.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
