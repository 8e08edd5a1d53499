package feed

import (
	"context"
	"sync/atomic"

	"tripmatch/internal/model"
	"tripmatch/internal/store"
)

// TeeStore decorates a Store so every successful write emits a change
// notification. Created/Updated map onto insert/update; a conditional put
// that lost the race writes nothing and therefore notifies nobody.
type TeeStore struct {
	store.Store
	pub Publisher
	seq atomic.Int64
}

func Tee(s store.Store, pub Publisher) *TeeStore {
	return &TeeStore{Store: s, pub: pub}
}

func (t *TeeStore) Put(ctx context.Context, rec model.Record, conditional bool) (store.PutOutcome, error) {
	outcome, err := t.Store.Put(ctx, rec, conditional)
	if err != nil {
		return outcome, err
	}
	var kind ChangeKind
	switch outcome {
	case store.PutCreated:
		kind = KindInsert
	case store.PutUpdated:
		kind = KindUpdate
	default:
		return outcome, nil
	}
	ch := Change{Kind: kind, Seq: t.seq.Add(1), Record: rec}
	if perr := t.pub.Publish(ctx, ch); perr != nil {
		// The row is durable; a lost notification surfaces so the caller
		// can refuse the ack and get the event re-delivered.
		return outcome, perr
	}
	return outcome, nil
}
