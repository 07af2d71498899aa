package meta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jacktea/hashstore/pkg/content"
)

// Op identifies the kind of write a Change describes.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	default:
		return "delete"
	}
}

// Change carries one write through the behavior hooks.
type Change struct {
	Op Op
	// Old is the persisted record before the write; nil on insert.
	Old *Record
	// New is the record being written; nil on delete.
	New *Record
	// Uploads maps attribute names to files received with this write.
	Uploads map[string]content.Upload
	// Stale collects references this write released; removed after commit.
	Stale []content.Ref
}

// Behavior hooks into record writes and reads.
//
// BeforeSave runs before the write transaction and may mutate ch.New; an
// error aborts the save. Apply runs inside the transaction. AfterCommit runs
// once the write is durable and must not fail the operation. AfterFind runs
// on every loaded record.
type Behavior interface {
	BeforeSave(ctx context.Context, ch *Change) error
	Apply(ctx context.Context, tx Txn, ch *Change) error
	AfterCommit(ctx context.Context, ch *Change)
	AfterFind(ctx context.Context, rec *Record) error
}

// NopBehavior implements every hook as a no-op, for embedding.
type NopBehavior struct{}

func (NopBehavior) BeforeSave(context.Context, *Change) error { return nil }
func (NopBehavior) Apply(context.Context, Txn, *Change) error { return nil }
func (NopBehavior) AfterCommit(context.Context, *Change)      {}
func (NopBehavior) AfterFind(context.Context, *Record) error  { return nil }

// ValidationError reports a failure tied to a single attribute.
type ValidationError struct {
	Attribute string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Attribute, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Repository runs behaviors around a Store. Writes are serialized so that a
// replace or cleanup never races a re-upload of the same record.
type Repository struct {
	mu        sync.Mutex
	store     Store
	behaviors []Behavior
	now       func() time.Time
}

// NewRepository wires behaviors, run in order, around store.
func NewRepository(store Store, behaviors ...Behavior) *Repository {
	return &Repository{
		store:     store,
		behaviors: behaviors,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (r *Repository) Store() Store { return r.store }

// Find loads a record and runs the AfterFind hooks.
func (r *Repository) Find(ctx context.Context, id string) (*Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, b := range r.behaviors {
		if err := b.AfterFind(ctx, &rec); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// Save inserts or updates rec. uploads maps attribute names to new files.
func (r *Repository) Save(ctx context.Context, rec *Record, uploads map[string]content.Upload) error {
	if rec == nil || rec.ID == "" {
		return errors.New("meta: record id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := &Change{Op: OpInsert, New: rec, Uploads: uploads}
	old, err := r.store.Get(ctx, rec.ID)
	switch {
	case err == nil:
		ch.Op = OpUpdate
		ch.Old = &old
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("load %s: %w", rec.ID, err)
	}
	if rec.Columns == nil {
		rec.Columns = make(map[string]string)
	}
	for _, b := range r.behaviors {
		if err := b.BeforeSave(ctx, ch); err != nil {
			return err
		}
	}
	rec.UpdatedAt = r.now()
	return r.commit(ctx, ch, func(tx Txn) error {
		return tx.Put(ctx, *rec)
	})
}

// Delete removes the record with id and runs cleanup hooks. Cleanup failures
// never fail the delete.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	ch := &Change{Op: OpDelete, Old: &old}
	return r.commit(ctx, ch, func(tx Txn) error {
		return tx.Delete(ctx, id)
	})
}

func (r *Repository) commit(ctx context.Context, ch *Change, write func(Txn) error) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := write(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	for _, b := range r.behaviors {
		if err := b.Apply(ctx, tx, ch); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, b := range r.behaviors {
		b.AfterCommit(ctx, ch)
	}
	return nil
}
