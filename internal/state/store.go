// Package state holds the current state of every device and writes it
// through to bucketed history.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/history"
	"github.com/dokzlo13/thermd/internal/metrics"
)

// HistoryRepository is the durable side of the store.
type HistoryRepository interface {
	Upsert(ctx context.Context, deviceID int64, bucket string, s device.State) error
	LatestPerDevice(ctx context.Context) (map[int64]history.Row, error)
	Query(ctx context.Context, deviceID int64, q history.Query) ([]history.Row, error)
}

// entry is the per-device record. persisted and lastBucket only advance
// after a successful history write.
type entry struct {
	mu         sync.Mutex
	current    device.State
	persisted  device.State
	lastBucket string
}

// Store is the in-memory current state with history write-through.
type Store struct {
	repo    HistoryRepository
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[int64]*entry
}

// NewStore creates a store backed by repo. m may be nil.
func NewStore(repo HistoryRepository, m *metrics.Metrics) *Store {
	return &Store{
		repo:    repo,
		metrics: m,
		entries: make(map[int64]*entry),
	}
}

func (s *Store) entry(deviceID int64) *entry {
	s.mu.RLock()
	e, ok := s.entries[deviceID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[deviceID]; !ok {
		e = &entry{}
		s.entries[deviceID] = e
		s.metrics.DevicesTracked(len(s.entries))
	}
	return e
}

// Load seeds current state and the persisted snapshot from the latest
// history bucket of each device. Returns the number of devices loaded.
func (s *Store) Load(ctx context.Context) (int, error) {
	latest, err := s.repo.LatestPerDevice(ctx)
	if err != nil {
		return 0, err
	}
	for id, row := range latest {
		e := s.entry(id)
		e.mu.Lock()
		e.current = row.State.Clone()
		e.persisted = row.State.Clone()
		e.lastBucket = row.Bucket
		e.mu.Unlock()
	}
	log.Info().Int("devices", len(latest)).Msg("Loaded device state from history")
	return len(latest), nil
}

// UpdateField applies a confirmed value. It reports whether the current
// state changed. A history write failure is logged and does not undo the
// in-memory update.
func (s *Store) UpdateField(ctx context.Context, deviceID int64, f device.Field, value float64, ts time.Time) bool {
	e := s.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.current.Get(f); ok && cur == value {
		return false
	}
	e.current.Set(f, value)
	e.current.LastUpdate = ts

	bucket := history.Bucket(ts)
	if bucket == e.lastBucket && e.current.Equal(e.persisted) {
		return true
	}

	snapshot := e.current.Clone()
	err := s.repo.Upsert(ctx, deviceID, bucket, snapshot)
	s.metrics.HistoryWrite(err)
	if err != nil {
		log.Error().
			Err(err).
			Int64("device_id", deviceID).
			Str("field", f.String()).
			Str("bucket", bucket).
			Msg("Failed to persist device state")
		return true
	}
	e.persisted = snapshot
	e.lastBucket = bucket

	log.Debug().
		Int64("device_id", deviceID).
		Str("field", f.String()).
		Float64("value", value).
		Str("bucket", bucket).
		Msg("Persisted device state")
	return true
}

// Current returns a copy of the device's in-memory state.
func (s *Store) Current(deviceID int64) device.State {
	s.mu.RLock()
	e, ok := s.entries[deviceID]
	s.mu.RUnlock()
	if !ok {
		return device.State{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Clone()
}

// Known reports whether any state has been recorded for a device.
func (s *Store) Known(deviceID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[deviceID]
	return ok
}

// All returns a copy of every device's current state.
func (s *Store) All() map[int64]device.State {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[int64]device.State, len(ids))
	for _, id := range ids {
		out[id] = s.Current(id)
	}
	return out
}

// History returns stored buckets for a device, newest first.
func (s *Store) History(ctx context.Context, deviceID int64, q history.Query) ([]history.Row, error) {
	return s.repo.Query(ctx, deviceID, q)
}
