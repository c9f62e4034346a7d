package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	logPrefix = []byte("raft/log/")
	stateKey  = []byte("raft/meta/state")
)

// BadgerLog persists the replicated log in the node's data directory
// so a restarted node rejoins with its history intact.
type BadgerLog struct {
	db *badger.DB

	mu        sync.RWMutex
	lastIndex uint64
	lastTerm  uint64
}

type durableState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
}

func NewBadgerLog(db *badger.DB) (*BadgerLog, error) {
	l := &BadgerLog{db: db}
	if err := l.loadTail(); err != nil {
		return nil, err
	}
	return l, nil
}

// loadTail finds the highest stored entry so appends resume at the
// right index after a restart.
func (l *BadgerLog) loadTail() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = logPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible log key, then step back within
		// the prefix.
		it.Seek(append(append([]byte{}, logPrefix...), 0xff))
		if !it.ValidForPrefix(logPrefix) {
			return nil
		}
		return it.Item().Value(func(raw []byte) error {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("raft: decode tail entry: %w", err)
			}
			l.lastIndex, l.lastTerm = e.Index, e.Term
			return nil
		})
	})
}

func logKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", logPrefix, index))
}

func (l *BadgerLog) State() (uint64, string, error) {
	var st durableState
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &st)
		})
	})
	if err != nil {
		return 0, "", fmt.Errorf("raft: read state: %w", err)
	}
	return st.Term, st.VotedFor, nil
}

func (l *BadgerLog) SetState(term uint64, votedFor string) error {
	raw, err := json.Marshal(durableState{Term: term, VotedFor: votedFor})
	if err != nil {
		return fmt.Errorf("raft: encode state: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, raw)
	})
	if err != nil {
		return fmt.Errorf("raft: write state: %w", err)
	}
	return nil
}

func (l *BadgerLog) Append(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(txn *badger.Txn) error {
		next := l.lastIndex + 1
		for i, e := range entries {
			if e.Index != next+uint64(i) {
				return fmt.Errorf("raft: append index %d, want %d", e.Index, next+uint64(i))
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("raft: encode entry %d: %w", e.Index, err)
			}
			if err := txn.Set(logKey(e.Index), raw); err != nil {
				return fmt.Errorf("raft: write entry %d: %w", e.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n := len(entries); n > 0 {
		l.lastIndex = entries[n-1].Index
		l.lastTerm = entries[n-1].Term
	}
	return nil
}

func (l *BadgerLog) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 || index > l.lastIndex {
		return nil
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		for i := index; i <= l.lastIndex; i++ {
			if err := txn.Delete(logKey(i)); err != nil {
				return fmt.Errorf("raft: delete entry %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.lastIndex = index - 1
	l.lastTerm = 0
	if l.lastIndex > 0 {
		tail, err := l.entry(l.lastIndex)
		if err != nil {
			return err
		}
		l.lastTerm = tail.Term
	}
	return nil
}

func (l *BadgerLog) Entry(index uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entry(index)
}

func (l *BadgerLog) entry(index uint64) (Entry, error) {
	var e Entry
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(logKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: index %d", ErrEntryMissing, index)
		} else if err != nil {
			return fmt.Errorf("raft: read entry %d: %w", index, err)
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &e)
		})
	})
	return e, err
}

func (l *BadgerLog) Entries(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 || from > to {
		return nil, nil
	}
	out := make([]Entry, 0, to-from+1)
	for i := from; i <= to; i++ {
		e, err := l.entry(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *BadgerLog) LastIndexTerm() (uint64, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex, l.lastTerm, nil
}
