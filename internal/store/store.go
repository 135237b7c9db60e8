// Package store provides persistent storage for experiments, executors,
// compilations, and node locks using BoltDB, following the abstract table
// layout of the control plane's persisted state. BoltDB is chosen for its
// pure-Go, single-file deployment: no separate database process to run
// alongside the orchestrator.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketExperiments  = []byte("experiments")
	bucketExecutors    = []byte("executors")
	bucketCompilations = []byte("compilations")
	bucketLocks        = []byte("locks")
	bucketNameIndex    = []byte("experiment_name_index")
	bucketExecutorIdx  = []byte("executor_experiment_index")
)

// Store is a BoltDB-backed persistence layer with an in-memory read cache
// for experiments, the hottest-read entity.
type Store struct {
	db *bbolt.DB

	mu           sync.RWMutex
	experimentMC map[string][]byte // experiment_id -> cached JSON
	maxCacheSize int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or reopens a BoltDB file at dbPath/orchestrator.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath+"/orchestrator.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketExperiments, bucketExecutors, bucketCompilations, bucketLocks, bucketNameIndex, bucketExecutorIdx} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("orch_store_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("orch_store_db_write_ms")
	cacheHits, _ := meter.Int64Counter("orch_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orch_store_cache_misses_total")

	return &Store{
		db:           db,
		experimentMC: make(map[string][]byte),
		maxCacheSize: 2000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Health performs a cheap read-only transaction to confirm the underlying
// BoltDB file is still open and responsive.
func (s *Store) Health() error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

func (s *Store) recordRead(ctx context.Context, op string, start time.Time) {
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrOp(op)))
}

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrOp(op)))
}

func (s *Store) evictCacheIfFull() {
	if len(s.experimentMC) <= s.maxCacheSize {
		return
	}
	for k := range s.experimentMC {
		delete(s.experimentMC, k)
		if len(s.experimentMC) <= s.maxCacheSize {
			return
		}
	}
}
