package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tripmatch/internal/model"
)

// MemoryStore is a simple thread-safe map store, used in tests and
// single-process runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]model.Record // trip id -> sort key -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]model.Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec model.Record, conditional bool) (PutOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.data[rec.TripID]
	if !ok {
		rows = make(map[string]model.Record)
		s.data[rec.TripID] = rows
	}
	existing, exists := rows[rec.SK]
	if exists && existing.Expired(model.NowUnix()) {
		exists = false
	}
	if exists && conditional {
		return PutAlreadyExists, nil
	}
	rows[rec.SK] = rec
	if exists {
		return PutUpdated, nil
	}
	return PutCreated, nil
}

func (s *MemoryStore) Get(_ context.Context, tripID, sk string) (model.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[tripID][sk]
	if !ok || rec.Expired(model.NowUnix()) {
		return model.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Query(_ context.Context, tripID, skPrefix string) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := model.NowUnix()
	var out []model.Record
	for sk, rec := range s.data[tripID] {
		if !strings.HasPrefix(sk, skPrefix) || rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := model.NowUnix()
	dropped := 0
	for tripID, rows := range s.data {
		for sk, rec := range rows {
			if rec.Expired(now) {
				delete(rows, sk)
				dropped++
			}
		}
		if len(rows) == 0 {
			delete(s.data, tripID)
		}
	}
	return dropped, nil
}

func (s *MemoryStore) Close() error { return nil }
