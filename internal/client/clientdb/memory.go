package clientdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notewire/noterelay/internal/note"
)

// MemoryDB is an ephemeral backend for tests and throwaway clients.
type MemoryDB struct {
	mu      sync.RWMutex
	fetched map[note.ID]fetchedRec
	stored  map[note.ID]note.StoredNote
}

type fetchedRec struct {
	tag       note.Tag
	fetchedAt time.Time
}

// NewMemory creates an empty in-memory client database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		fetched: make(map[note.ID]fetchedRec),
		stored:  make(map[note.ID]note.StoredNote),
	}
}

func (m *MemoryDB) RecordFetched(_ context.Context, id note.ID, tag note.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fetched[id]; !ok {
		m.fetched[id] = fetchedRec{tag: tag, fetchedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryDB) WasFetched(_ context.Context, id note.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.fetched[id]
	return ok, nil
}

func (m *MemoryDB) StoreNote(_ context.Context, n note.StoredNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[n.ID] = n
	return nil
}

func (m *MemoryDB) GetStoredNote(_ context.Context, id note.ID) (note.StoredNote, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.stored[id]
	return n, ok, nil
}

func (m *MemoryDB) GetStoredForTag(_ context.Context, tag note.Tag) ([]note.StoredNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []note.StoredNote
	for _, n := range m.stored {
		if n.Tag == tag {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryDB) GetFetchedForTag(_ context.Context, tag note.Tag) ([]note.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type rec struct {
		id note.ID
		at time.Time
	}
	var recs []rec
	for id, f := range m.fetched {
		if f.tag == tag {
			recs = append(recs, rec{id: id, at: f.fetchedAt})
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].at.Before(recs[j].at) })
	out := make([]note.ID, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.id)
	}
	return out, nil
}

func (m *MemoryDB) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		FetchedNotes: uint64(len(m.fetched)),
		StoredNotes:  uint64(len(m.stored)),
	}, nil
}

func (m *MemoryDB) RetentionSweep(_ context.Context, days int) (int64, error) {
	if days < 0 {
		days = 0
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, f := range m.fetched {
		if f.fetchedAt.Before(cutoff) {
			delete(m.fetched, id)
			deleted++
		}
	}
	for id, n := range m.stored {
		if n.CreatedAt.Before(cutoff) {
			delete(m.stored, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryDB) Close() error { return nil }
