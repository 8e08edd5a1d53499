package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"tripmatch/internal/model"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
	// Pebble has no compare-and-swap; conditional puts serialize the
	// read-check-write through this mutex. Unconditional puts skip it.
	condMu sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		DisableWAL:               false,
		WALMinSyncInterval:       func() time.Duration { return 0 },
		MaxConcurrentCompactions: func() int { return 2 },
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

// pebbleKey joins partition and sort key with a NUL so prefix scans over one
// trip never bleed into a neighboring trip id.
func pebbleKey(tripID, sk string) []byte {
	k := make([]byte, 0, len(tripID)+1+len(sk))
	k = append(k, tripID...)
	k = append(k, 0)
	k = append(k, sk...)
	return k
}

func encodeRecord(rec model.Record) ([]byte, error) { return json.Marshal(rec) }

func decodeRecord(val []byte) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

func (p *PebbleStore) Put(ctx context.Context, rec model.Record, conditional bool) (PutOutcome, error) {
	if conditional {
		p.condMu.Lock()
		defer p.condMu.Unlock()
	}
	existing, exists, err := p.Get(ctx, rec.TripID, rec.SK)
	if err != nil {
		return PutError, err
	}
	_ = existing
	if exists && conditional {
		return PutAlreadyExists, nil
	}
	b, err := encodeRecord(rec)
	if err != nil {
		return PutError, fmt.Errorf("encode record: %w", err)
	}
	if err := p.db.Set(pebbleKey(rec.TripID, rec.SK), b, pebble.NoSync); err != nil {
		return PutError, &TransientError{Op: "pebble set", Err: err}
	}
	if exists {
		return PutUpdated, nil
	}
	return PutCreated, nil
}

func (p *PebbleStore) Get(_ context.Context, tripID, sk string) (model.Record, bool, error) {
	v, closer, err := p.db.Get(pebbleKey(tripID, sk))
	if err == pebble.ErrNotFound {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, &TransientError{Op: "pebble get", Err: err}
	}
	rec, derr := decodeRecord(v)
	_ = closer.Close()
	if derr != nil {
		return model.Record{}, false, fmt.Errorf("decode record: %w", derr)
	}
	if rec.Expired(model.NowUnix()) {
		return model.Record{}, false, nil
	}
	return rec, true, nil
}

func (p *PebbleStore) Query(_ context.Context, tripID, skPrefix string) ([]model.Record, error) {
	lower := pebbleKey(tripID, skPrefix)
	upper := append(append([]byte(nil), lower...), 0xff)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, &TransientError{Op: "pebble iter", Err: err}
	}
	defer it.Close()

	now := model.NowUnix()
	var out []model.Record
	for it.First(); it.Valid(); it.Next() {
		rec, derr := decodeRecord(it.Value())
		if derr != nil {
			return nil, fmt.Errorf("decode record: %w", derr)
		}
		if rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, &TransientError{Op: "pebble iter", Err: err}
	}
	return out, nil
}

func (p *PebbleStore) Sweep(_ context.Context) (int, error) {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return 0, &TransientError{Op: "pebble iter", Err: err}
	}
	now := model.NowUnix()
	var toDelete [][]byte
	for it.First(); it.Valid(); it.Next() {
		rec, derr := decodeRecord(it.Value())
		if derr != nil {
			continue // unreadable rows are left for manual inspection
		}
		if rec.Expired(now) {
			toDelete = append(toDelete, append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Close(); err != nil {
		return 0, &TransientError{Op: "pebble iter close", Err: err}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	wb := p.db.NewBatch()
	for _, k := range toDelete {
		_ = wb.Delete(k, nil)
	}
	if err := wb.Commit(pebble.NoSync); err != nil {
		_ = wb.Close()
		return 0, &TransientError{Op: "pebble sweep commit", Err: err}
	}
	_ = wb.Close()
	return len(toDelete), nil
}
