package meta

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("meta: record not found")

// Record is a persisted entity. Columns hold the stored text values, one per
// attribute; Data holds decoded values and is never persisted directly.
type Record struct {
	ID        string            `json:"id"`
	Columns   map[string]string `json:"columns"`
	Data      map[string]any    `json:"-"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Column returns the stored value of name.
func (r *Record) Column(name string) string {
	if r == nil || r.Columns == nil {
		return ""
	}
	return r.Columns[name]
}

// SetColumn stores value under name, allocating Columns as needed.
func (r *Record) SetColumn(name, value string) {
	if r.Columns == nil {
		r.Columns = make(map[string]string)
	}
	r.Columns[name] = value
}

// Set stores a decoded value under name, allocating Data as needed.
func (r *Record) Set(name string, value any) {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data[name] = value
}

// Clone returns a copy whose maps can be mutated independently. Data values
// are shared.
func (r Record) Clone() Record {
	out := r
	if r.Columns != nil {
		out.Columns = make(map[string]string, len(r.Columns))
		for k, v := range r.Columns {
			out.Columns[k] = v
		}
	}
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Store persists records, reference counts and the removal queue.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	ForEach(ctx context.Context, fn func(Record) error) error
	IncRef(ctx context.Context, ref string, delta int) (int, error)
	DecideGC(ctx context.Context, ref string, refs int) error
	ListZeroRef(ctx context.Context, limit int) ([]string, error)
	MarkGCComplete(ctx context.Context, ref string) error

	Begin(ctx context.Context) (Txn, error)
}

// Txn enables atomic metadata updates.
type Txn interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	refs      map[string]int
	pendingGC map[string]struct{}
}

// NewMemoryStore creates an empty metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		refs:      make(map[string]int),
		pendingGC: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := rec.Clone()
	stored.Data = nil
	m.records[rec.ID] = stored
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ForEach(ctx context.Context, fn func(Record) error) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		rec, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) IncRef(ctx context.Context, ref string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref] += delta
	if m.refs[ref] <= 0 {
		delete(m.refs, ref)
		return 0, nil
	}
	delete(m.pendingGC, ref)
	return m.refs[ref], nil
}

func (m *MemoryStore) DecideGC(ctx context.Context, ref string, refs int) error {
	if refs > 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingGC[ref] = struct{}{}
	return nil
}

func (m *MemoryStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pendingGC))
	for ref := range m.pendingGC {
		out = append(out, ref)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkGCComplete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingGC, ref)
	return nil
}

// Begin returns a pass-through transaction; MemoryStore applies writes immediately.
func (m *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{store: m}, nil
}

type memTxn struct {
	store *MemoryStore
}

func (t *memTxn) Get(ctx context.Context, id string) (Record, error) { return t.store.Get(ctx, id) }
func (t *memTxn) Put(ctx context.Context, rec Record) error          { return t.store.Put(ctx, rec) }
func (t *memTxn) Delete(ctx context.Context, id string) error        { return t.store.Delete(ctx, id) }
func (t *memTxn) ForEach(ctx context.Context, fn func(Record) error) error {
	return t.store.ForEach(ctx, fn)
}
func (t *memTxn) IncRef(ctx context.Context, ref string, delta int) (int, error) {
	return t.store.IncRef(ctx, ref, delta)
}
func (t *memTxn) DecideGC(ctx context.Context, ref string, refs int) error {
	return t.store.DecideGC(ctx, ref, refs)
}
func (t *memTxn) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	return t.store.ListZeroRef(ctx, limit)
}
func (t *memTxn) MarkGCComplete(ctx context.Context, ref string) error {
	return t.store.MarkGCComplete(ctx, ref)
}
func (t *memTxn) Begin(ctx context.Context) (Txn, error) { return t.store.Begin(ctx) }
func (t *memTxn) Commit(ctx context.Context) error       { return nil }
func (t *memTxn) Rollback(ctx context.Context) error     { return nil }
