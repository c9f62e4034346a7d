package raft

import (
	"errors"
	"fmt"
	"sync"
)

var ErrEntryMissing = errors.New("raft: log entry missing")

// LogStore persists the replicated log and the node's durable term
// state. Indexes are 1-based; index 0 is the empty log.
type LogStore interface {
	// State returns the persisted current term and the candidate voted
	// for in that term, empty when none.
	State() (term uint64, votedFor string, err error)
	SetState(term uint64, votedFor string) error

	Append(entries ...Entry) error
	// TruncateFrom removes the entry at index and everything after it.
	TruncateFrom(index uint64) error
	Entry(index uint64) (Entry, error)
	// Entries returns entries in [from, to] inclusive.
	Entries(from, to uint64) ([]Entry, error)
	LastIndexTerm() (index, term uint64, err error)
}

// MemoryLog keeps the log in process memory. Used by tests.
type MemoryLog struct {
	mu       sync.RWMutex
	term     uint64
	votedFor string
	entries  []Entry
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) State() (uint64, string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.term, l.votedFor, nil
}

func (l *MemoryLog) SetState(term uint64, votedFor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.term = term
	l.votedFor = votedFor
	return nil
}

func (l *MemoryLog) Append(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		want := uint64(len(l.entries)) + 1
		if e.Index != want {
			return fmt.Errorf("raft: append index %d, want %d", e.Index, want)
		}
		l.entries = append(l.entries, e)
	}
	return nil
}

func (l *MemoryLog) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:index-1]
	return nil
}

func (l *MemoryLog) Entry(index uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return Entry{}, fmt.Errorf("%w: index %d", ErrEntryMissing, index)
	}
	return l.entries[index-1], nil
}

func (l *MemoryLog) Entries(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 || from > to {
		return nil, nil
	}
	if to > uint64(len(l.entries)) {
		return nil, fmt.Errorf("%w: index %d", ErrEntryMissing, to)
	}
	out := make([]Entry, to-from+1)
	copy(out, l.entries[from-1:to])
	return out, nil
}

func (l *MemoryLog) LastIndexTerm() (uint64, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0, 0, nil
	}
	last := l.entries[len(l.entries)-1]
	return last.Index, last.Term, nil
}
