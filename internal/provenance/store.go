package provenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("provenance: record not found")
	ErrUnsealed = errors.New("provenance: record must be sealed before append")
)

// Store is the append-only archive. Records are immutable: appending
// the same sealed record twice is a no-op.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// ByPlan returns a plan's records ordered by round, then entity.
	ByPlan(ctx context.Context, planID string) ([]Record, error)
	Close() error
}

// MemoryStore keeps records in process memory. Used by tests and
// single-shot CLI runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	byPlan  map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		byPlan:  make(map[string][]string),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrUnsealed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return nil
	}
	s.records[rec.ID] = rec
	s.byPlan[rec.PlanID] = append(s.byPlan[rec.PlanID], rec.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *MemoryStore) ByPlan(_ context.Context, planID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byPlan[planID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id])
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// BadgerStore persists records in the node's data directory so the
// archive survives restarts and leader changes.
//
// Key layout:
//
//	rec/<id>             -> record JSON
//	plan/<planID>/<id>   -> empty (plan index)
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func recordKey(id string) []byte { return []byte("rec/" + id) }

func planKey(planID, id string) []byte {
	return []byte("plan/" + planID + "/" + id)
}

func (s *BadgerStore) Append(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrUnsealed
	}
	raw, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(rec.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("provenance: lookup %s: %w", rec.ID, err)
		}
		if err := txn.Set(recordKey(rec.ID), raw); err != nil {
			return fmt.Errorf("provenance: write record: %w", err)
		}
		if err := txn.Set(planKey(rec.PlanID, rec.ID), nil); err != nil {
			return fmt.Errorf("provenance: write plan index: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		} else if err != nil {
			return fmt.Errorf("provenance: get %s: %w", id, err)
		}
		return item.Value(func(raw []byte) error {
			r, err := unmarshalRecord(raw)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	return rec, err
}

func (s *BadgerStore) ByPlan(_ context.Context, planID string) ([]Record, error) {
	var out []Record
	prefix := []byte("plan/" + planID + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(recordKey(id))
			if err != nil {
				return fmt.Errorf("provenance: indexed record %s: %w", id, err)
			}
			if err := item.Value(func(raw []byte) error {
				rec, err := unmarshalRecord(raw)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Round != recs[j].Round {
			return recs[i].Round < recs[j].Round
		}
		if recs[i].Entity != recs[j].Entity {
			return recs[i].Entity < recs[j].Entity
		}
		return recs[i].ID < recs[j].ID
	})
}
