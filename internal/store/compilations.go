package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/netexp/orchestrator/internal/model"
)

func compilationKey(experimentID, compilationID string) []byte {
	return []byte(experimentID + "/" + compilationID)
}

// PutCompilation upserts a dedup'd compilation job row, primary-keyed by
// (experiment_id, compilation_id).
func (s *Store) PutCompilation(ctx context.Context, job model.CompilationJob) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_compilation", start)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal compilation: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCompilations).Put(compilationKey(job.ExperimentID, job.CompilationID), data)
	})
}

// GetCompilation looks up one compilation job.
func (s *Store) GetCompilation(ctx context.Context, experimentID, compilationID string) (model.CompilationJob, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_compilation", start)

	var job model.CompilationJob
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCompilations).Get(compilationKey(experimentID, compilationID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &job)
	})
	if err != nil {
		return model.CompilationJob{}, false, fmt.Errorf("read compilation: %w", err)
	}
	return job, found, nil
}

// ListCompilationsByExperiment returns every compilation job queued or
// completed for experimentID.
func (s *Store) ListCompilationsByExperiment(ctx context.Context, experimentID string) ([]model.CompilationJob, error) {
	prefix := []byte(experimentID + "/")
	var out []model.CompilationJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCompilations).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var job model.CompilationJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			out = append(out, job)
		}
		return nil
	})
	return out, err
}
