package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists records on disk using a JSON snapshot. Every write
// rewrites the snapshot.
type FileStore struct {
	mu        sync.RWMutex
	path      string
	records   map[string]Record
	refs      map[string]int
	pendingGC map[string]struct{}
}

type fileState struct {
	Records   map[string]Record `json:"records"`
	Refs      map[string]int    `json:"refs"`
	PendingGC []string          `json:"pending_gc"`
}

// NewFileStore creates or loads a FileStore snapshot at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore mkdir: %w", err)
	}
	f := &FileStore{path: path}
	if err := f.loadOrInit(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) loadOrInit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = make(map[string]Record)
	f.refs = make(map[string]int)
	f.pendingGC = make(map[string]struct{})
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return f.persistLocked()
	}
	if err != nil {
		return err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("filestore decode %s: %w", f.path, err)
	}
	for id, rec := range state.Records {
		f.records[id] = rec
	}
	for ref, n := range state.Refs {
		f.refs[ref] = n
	}
	for _, ref := range state.PendingGC {
		f.pendingGC[ref] = struct{}{}
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, id string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *FileStore) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("filestore: record id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := rec.Clone()
	stored.Data = nil
	f.records[rec.ID] = stored
	return f.persistLocked()
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return nil
	}
	delete(f.records, id)
	return f.persistLocked()
}

func (f *FileStore) ForEach(ctx context.Context, fn func(Record) error) error {
	f.mu.RLock()
	out := make([]Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec.Clone())
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, rec := range out {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) IncRef(ctx context.Context, ref string, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.refs[ref] + delta
	if cur <= 0 {
		delete(f.refs, ref)
		cur = 0
	} else {
		f.refs[ref] = cur
		delete(f.pendingGC, ref)
	}
	return cur, f.persistLocked()
}

func (f *FileStore) DecideGC(ctx context.Context, ref string, refs int) error {
	if refs > 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingGC[ref] = struct{}{}
	return f.persistLocked()
}

func (f *FileStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.pendingGC))
	for ref := range f.pendingGC {
		out = append(out, ref)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FileStore) MarkGCComplete(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pendingGC[ref]; !ok {
		return nil
	}
	delete(f.pendingGC, ref)
	return f.persistLocked()
}

// Begin returns a pass-through transaction; writes are applied immediately.
func (f *FileStore) Begin(ctx context.Context) (Txn, error) {
	return &fileTxn{store: f}, nil
}

type fileTxn struct {
	store *FileStore
}

func (t *fileTxn) Get(ctx context.Context, id string) (Record, error) { return t.store.Get(ctx, id) }
func (t *fileTxn) Put(ctx context.Context, rec Record) error          { return t.store.Put(ctx, rec) }
func (t *fileTxn) Delete(ctx context.Context, id string) error        { return t.store.Delete(ctx, id) }
func (t *fileTxn) ForEach(ctx context.Context, fn func(Record) error) error {
	return t.store.ForEach(ctx, fn)
}
func (t *fileTxn) IncRef(ctx context.Context, ref string, delta int) (int, error) {
	return t.store.IncRef(ctx, ref, delta)
}
func (t *fileTxn) DecideGC(ctx context.Context, ref string, refs int) error {
	return t.store.DecideGC(ctx, ref, refs)
}
func (t *fileTxn) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	return t.store.ListZeroRef(ctx, limit)
}
func (t *fileTxn) MarkGCComplete(ctx context.Context, ref string) error {
	return t.store.MarkGCComplete(ctx, ref)
}
func (t *fileTxn) Begin(ctx context.Context) (Txn, error) { return t.store.Begin(ctx) }
func (t *fileTxn) Commit(ctx context.Context) error       { return nil }
func (t *fileTxn) Rollback(ctx context.Context) error     { return nil }

func (f *FileStore) persistLocked() error {
	state := fileState{
		Records:   f.records,
		Refs:      f.refs,
		PendingGC: make([]string, 0, len(f.pendingGC)),
	}
	for ref := range f.pendingGC {
		state.PendingGC = append(state.PendingGC, ref)
	}
	sort.Strings(state.PendingGC)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
