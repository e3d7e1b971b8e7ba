// Package store holds captured requests in memory for the life of the process.
//
// A Memory is created at startup and emptied only by Clear or a restart.
// Every operation takes the lock once, so readers never see half-applied
// updates, and reads hand out deep copies.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/getmockd/interceptor/pkg/capture"
)

var (
	// ErrNotFound is returned when no request has the given id.
	ErrNotFound = errors.New("request not found")
	// ErrDuplicateID is returned when inserting an id that already exists.
	ErrDuplicateID = errors.New("duplicate request id")
	// ErrAlreadyResolved is returned when updating a request that already has an outcome.
	ErrAlreadyResolved = capture.ErrAlreadyResolved
)

type entry struct {
	rec capture.StoredRequest
	seq uint64
}

// Memory is the in-memory request store.
type Memory struct {
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	seq     uint64
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*entry)}
}

// Insert adds a new record. The record is copied; later changes by the caller
// are not visible to the store.
func (m *Memory) Insert(rec capture.StoredRequest) error {
	if rec.ID == "" {
		return errors.New("request id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	m.seq++
	e := &entry{rec: rec.Clone(), seq: m.seq}
	m.entries = append(m.entries, e)
	m.byID[rec.ID] = e
	return nil
}

// Update merges the outcome into the record with the given id. Only the
// response or error is touched, and only once.
func (m *Memory) Update(id string, o capture.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := e.rec.Apply(o); err != nil {
		return fmt.Errorf("updating %s: %w", id, err)
	}
	return nil
}

// Get returns a copy of the record with the given id.
func (m *Memory) Get(id string) (capture.StoredRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return capture.StoredRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.rec.Clone(), nil
}

// List returns copies of the matching records, newest first. Records with
// equal timestamps are ordered by insertion, later inserts first.
func (m *Memory) List(filter *Filter) []capture.StoredRequest {
	m.mu.RLock()
	matched := make([]entry, 0, len(m.entries))
	for _, e := range m.entries {
		if filter.Matches(&e.rec) {
			matched = append(matched, entry{rec: e.rec.Clone(), seq: e.seq})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b entry) int {
		if c := b.rec.Timestamp.Compare(a.rec.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	result := make([]capture.StoredRequest, len(matched))
	for i, e := range matched {
		result[i] = e.rec
	}
	return filter.page(result)
}

// Count returns the number of stored records.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear removes every record and returns how many were removed.
func (m *Memory) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = nil
	m.byID = make(map[string]*entry)
	return n
}
