package meta

import (
	"context"
)

// RefTracker keeps reference counts in sync with record columns.
type RefTracker struct {
	Store Store
}

// Add increments the count for ref.
func (r *RefTracker) Add(ctx context.Context, ref string) error {
	if r == nil || ref == "" {
		return nil
	}
	_, err := r.Store.IncRef(ctx, ref, 1)
	return err
}

// Release decrements the count for ref and queues it for removal once
// nothing references it. It reports whether the count reached zero.
func (r *RefTracker) Release(ctx context.Context, ref string) (bool, error) {
	if r == nil || ref == "" {
		return false, nil
	}
	refs, err := r.Store.IncRef(ctx, ref, -1)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		return false, nil
	}
	if err := r.Store.DecideGC(ctx, ref, refs); err != nil {
		return false, err
	}
	return true, nil
}

// Queue marks ref for removal regardless of its count.
func (r *RefTracker) Queue(ctx context.Context, ref string) error {
	if r == nil || ref == "" {
		return nil
	}
	return r.Store.DecideGC(ctx, ref, 0)
}
