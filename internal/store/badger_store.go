package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"tripmatch/internal/model"
)

// BadgerStore implements Store using BadgerDB. Badger's transactions give
// the conditional put its atomicity, and its native per-entry TTL backs the
// record expiry attribute.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func badgerKey(tripID, sk string) []byte { return pebbleKey(tripID, sk) }

func (b *BadgerStore) Put(_ context.Context, rec model.Record, conditional bool) (PutOutcome, error) {
	var outcome PutOutcome
	err := b.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(rec.TripID, rec.SK)
		_, gerr := txn.Get(key)
		exists := gerr == nil
		if gerr != nil && gerr != badger.ErrKeyNotFound {
			return gerr
		}
		if exists && conditional {
			outcome = PutAlreadyExists
			return nil
		}
		val, merr := encodeRecord(rec)
		if merr != nil {
			return fmt.Errorf("encode record: %w", merr)
		}
		entry := badger.NewEntry(key, val)
		if rec.ExpiresAt > 0 {
			if ttl := rec.ExpiresAt - model.NowUnix(); ttl > 0 {
				entry = entry.WithTTL(time.Duration(ttl) * time.Second)
			}
		}
		if serr := txn.SetEntry(entry); serr != nil {
			return serr
		}
		if exists {
			outcome = PutUpdated
		} else {
			outcome = PutCreated
		}
		return nil
	})
	if err == badger.ErrConflict {
		// Concurrent conditional writers collided; rerun once, the row is
		// there now or the retry wins.
		return b.Put(context.Background(), rec, conditional)
	}
	if err != nil {
		return PutError, &TransientError{Op: "badger update", Err: err}
	}
	return outcome, nil
}

func (b *BadgerStore) Get(_ context.Context, tripID, sk string) (model.Record, bool, error) {
	var rec model.Record
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(badgerKey(tripID, sk))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			r, derr := decodeRecord(val)
			if derr != nil {
				return derr
			}
			if !r.Expired(model.NowUnix()) {
				rec = r
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return model.Record{}, false, &TransientError{Op: "badger get", Err: err}
	}
	return rec, found, nil
}

func (b *BadgerStore) Query(_ context.Context, tripID, skPrefix string) ([]model.Record, error) {
	prefix := badgerKey(tripID, skPrefix)
	now := model.NowUnix()
	var out []model.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec model.Record
			verr := it.Item().Value(func(val []byte) error {
				r, derr := decodeRecord(val)
				if derr != nil {
					return derr
				}
				rec = r
				return nil
			})
			if verr != nil {
				return verr
			}
			if rec.Expired(now) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, &TransientError{Op: "badger query", Err: err}
	}
	return out, nil
}

// Sweep is mostly a no-op for Badger: expired entries vanish via native TTL.
// It triggers a value-log GC pass to reclaim their space.
func (b *BadgerStore) Sweep(_ context.Context) (int, error) {
	err := b.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return 0, nil
	}
	if err != nil {
		return 0, &TransientError{Op: "badger gc", Err: err}
	}
	return 0, nil
}
