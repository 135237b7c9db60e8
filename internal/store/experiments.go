package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/netexp/orchestrator/internal/model"
)

// PutExperiment upserts the experiment row, keyed by experiment_id.
func (s *Store) PutExperiment(ctx context.Context, exp model.Experiment) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_experiment", start)

	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal experiment: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExperiments).Put([]byte(exp.ExperimentID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketNameIndex).Put(nameIndexKey(exp.Username, exp.ExperimentName), []byte(exp.ExperimentID))
	})
	if err != nil {
		return fmt.Errorf("write experiment: %w", err)
	}

	s.mu.Lock()
	s.experimentMC[exp.ExperimentID] = data
	s.evictCacheIfFull()
	s.mu.Unlock()
	return nil
}

// GetExperiment returns the experiment with the given id, or found=false if
// absent.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (model.Experiment, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_experiment", start)

	s.mu.RLock()
	if data, ok := s.experimentMC[experimentID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metricTypeExperiment())
		var exp model.Experiment
		if err := json.Unmarshal(data, &exp); err != nil {
			return model.Experiment{}, false, fmt.Errorf("decode cached experiment: %w", err)
		}
		return exp, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metricTypeExperiment())

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketExperiments).Get([]byte(experimentID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return model.Experiment{}, false, fmt.Errorf("read experiment: %w", err)
	}
	if data == nil {
		return model.Experiment{}, false, nil
	}

	var exp model.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return model.Experiment{}, false, fmt.Errorf("decode experiment: %w", err)
	}

	s.mu.Lock()
	s.experimentMC[experimentID] = data
	s.evictCacheIfFull()
	s.mu.Unlock()
	return exp, true, nil
}

func nameIndexKey(username, experimentName string) []byte {
	return []byte(username + "/" + experimentName)
}

// GetExperimentByName resolves the (username, experiment_name) pair used by
// the user-facing verbs to the experiment it was assigned on
// prepare_experiment, or found=false if none exists yet.
func (s *Store) GetExperimentByName(ctx context.Context, username, experimentName string) (model.Experiment, bool, error) {
	var experimentID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketNameIndex).Get(nameIndexKey(username, experimentName))
		if v != nil {
			experimentID = string(v)
		}
		return nil
	})
	if err != nil {
		return model.Experiment{}, false, fmt.Errorf("read name index: %w", err)
	}
	if experimentID == "" {
		return model.Experiment{}, false, nil
	}
	return s.GetExperiment(ctx, experimentID)
}

// ListExperimentsByUser returns every experiment owned by username, in no
// particular order.
func (s *Store) ListExperimentsByUser(ctx context.Context, username string) ([]model.Experiment, error) {
	var out []model.Experiment
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(_, v []byte) error {
			var exp model.Experiment
			if err := json.Unmarshal(v, &exp); err != nil {
				return err
			}
			if exp.Username == username {
				out = append(out, exp)
			}
			return nil
		})
	})
	return out, err
}

// ListAllExperiments returns every experiment in the store, across all
// users, used by the cleanup watchdog sweep and connector-eviction repair.
func (s *Store) ListAllExperiments(ctx context.Context) ([]model.Experiment, error) {
	var out []model.Experiment
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(_, v []byte) error {
			var exp model.Experiment
			if err := json.Unmarshal(v, &exp); err != nil {
				return err
			}
			out = append(out, exp)
			return nil
		})
	})
	return out, err
}

// DeleteExperiment removes the experiment row entirely.
func (s *Store) DeleteExperiment(ctx context.Context, experimentID string) error {
	exp, found, err := s.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if found {
			if err := tx.Bucket(bucketNameIndex).Delete(nameIndexKey(exp.Username, exp.ExperimentName)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketExperiments).Delete([]byte(experimentID))
	})
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	s.mu.Lock()
	delete(s.experimentMC, experimentID)
	s.mu.Unlock()
	return nil
}
