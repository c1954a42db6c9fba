// Package memory is an in-process store.Store used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

type entry struct {
	value    []byte
	revision uint64
}

// Store keeps records in maps guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]entry
	seq    uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[string]map[string]entry)}
}

func (s *Store) table(name string) map[string]entry {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]entry)
		s.tables[name] = t
	}
	return t
}

func (s *Store) Get(_ context.Context, table string, key store.Key) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tables[table][key.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Record{Key: key, Value: clone(e.value), Revision: e.revision}, nil
}

func (s *Store) Put(_ context.Context, table string, key store.Key, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(table, key, value), nil
}

func (s *Store) Create(_ context.Context, table string, key store.Key, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table(table)[key.String()]; ok {
		return 0, store.ErrExists
	}
	return s.write(table, key, value), nil
}

func (s *Store) Update(_ context.Context, table string, key store.Key, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table(table)[key.String()]
	if !ok {
		return 0, store.ErrNotFound
	}
	if e.revision != revision {
		return 0, store.ErrRevisionMismatch
	}
	return s.write(table, key, value), nil
}

func (s *Store) Delete(_ context.Context, table string, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.table(table), key.String())
	return nil
}

func (s *Store) List(_ context.Context, table string, prefix store.Key) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Record
	for k, e := range s.tables[table] {
		key := store.ParseKey(k)
		if !key.HasPrefix(prefix) {
			continue
		}
		out = append(out, store.Record{Key: key, Value: clone(e.value), Revision: e.revision})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) write(table string, key store.Key, value []byte) uint64 {
	s.seq++
	s.table(table)[key.String()] = entry{value: clone(value), revision: s.seq}
	return s.seq
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
