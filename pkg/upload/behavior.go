// Package upload stores files attached to records and removes the files a
// record stops referencing.
package upload

import (
	"context"
	"io"
	"log"

	"github.com/sourcegraph/conc/pool"

	"github.com/jacktea/hashstore/pkg/content"
	"github.com/jacktea/hashstore/pkg/meta"
	"github.com/jacktea/hashstore/pkg/xerrors"
)

// Storage is the subset of content.Store the behavior needs.
type Storage interface {
	Store(ctx context.Context, r io.Reader, ext string) (content.Ref, error)
	Remove(ctx context.Context, ref content.Ref) bool
}

type existser interface {
	Exists(ctx context.Context, ref content.Ref) (bool, error)
}

// Options configure a Behavior.
type Options struct {
	// RefCounting keeps a count per ref so that a file shared by several
	// records is only removed once the last of them lets go of it.
	RefCounting bool
	// Queue records pending removals so failed ones can be retried by the
	// sweeper. Nil disables queueing.
	Queue meta.Store
	// Concurrency bounds parallel removals. Zero means 4.
	Concurrency int
	Logger      func(format string, args ...any)
}

type Option func(*Options)

// WithRefCounting enables per-ref reference counts kept in store. Released
// refs are queued in store until removed.
func WithRefCounting(store meta.Store) Option {
	return func(o *Options) {
		o.RefCounting = true
		o.Queue = store
	}
}

// WithQueue queues stale refs in store until their removal succeeds.
func WithQueue(store meta.Store) Option {
	return func(o *Options) { o.Queue = store }
}

// WithConcurrency bounds the number of parallel removals.
func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

// WithLogger sets the logger used for removal failures.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(o *Options) {
		if logf != nil {
			o.Logger = logf
		}
	}
}

// Behavior implements meta.Behavior for a set of file attributes.
type Behavior struct {
	meta.NopBehavior

	store Storage
	attrs []string
	opts  Options
}

// New returns a Behavior managing the named attributes.
func New(store Storage, attrs []string, opts ...Option) *Behavior {
	o := Options{Concurrency: 4, Logger: log.Printf}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return &Behavior{store: store, attrs: append([]string(nil), attrs...), opts: o}
}

// Attributes returns the managed attribute names.
func (b *Behavior) Attributes() []string {
	return append([]string(nil), b.attrs...)
}

// Replace stores up and, only once that succeeded and the new ref differs
// from old, removes old. On failure old is left untouched.
func (b *Behavior) Replace(ctx context.Context, old content.Ref, up content.Upload) (content.Ref, error) {
	if up.Reader == nil {
		return "", xerrors.E(xerrors.KindInvalid, "upload.Replace", "reader")
	}
	ref, err := b.store.Store(ctx, up.Reader, up.Ext)
	if err != nil {
		return "", err
	}
	if !old.IsZero() && ref != old {
		b.store.Remove(ctx, old)
	}
	return ref, nil
}

// Cleanup attempts to remove every non-empty ref and returns how many files
// were removed. A failed removal never stops the others.
func (b *Behavior) Cleanup(ctx context.Context, refs ...content.Ref) int {
	removed := 0
	for _, ok := range b.removeAll(ctx, refs) {
		if ok {
			removed++
		}
	}
	return removed
}

// removeAll removes refs in parallel. result[i] reports whether refs[i] was
// removed.
func (b *Behavior) removeAll(ctx context.Context, refs []content.Ref) []bool {
	result := make([]bool, len(refs))
	p := pool.New().WithMaxGoroutines(b.opts.Concurrency)
	for i, ref := range refs {
		if ref.IsZero() {
			continue
		}
		p.Go(func() {
			result[i] = b.store.Remove(ctx, ref)
		})
	}
	p.Wait()
	return result
}

// BeforeSave stores pending uploads and points the attribute columns at them.
// A missing column on update keeps the previous value; an explicitly empty
// column clears it.
func (b *Behavior) BeforeSave(ctx context.Context, ch *meta.Change) error {
	if ch.New == nil {
		return nil
	}
	for _, attr := range b.attrs {
		up, ok := ch.Uploads[attr]
		if ok && up.Reader != nil {
			ref, err := b.store.Store(ctx, up.Reader, up.Ext)
			if err != nil {
				return &meta.ValidationError{Attribute: attr, Err: err}
			}
			ch.New.SetColumn(attr, ref.String())
			continue
		}
		if _, set := ch.New.Columns[attr]; !set && ch.Old != nil {
			if prev := ch.Old.Column(attr); prev != "" {
				ch.New.SetColumn(attr, prev)
			}
		}
	}
	return nil
}

// Apply updates reference counts inside the write transaction and collects
// the refs the write released into ch.Stale.
func (b *Behavior) Apply(ctx context.Context, tx meta.Txn, ch *meta.Change) error {
	tracker := &meta.RefTracker{Store: tx}
	for _, attr := range b.attrs {
		oldRef := ch.Old.Column(attr)
		newRef := ch.New.Column(attr)
		if oldRef == newRef {
			continue
		}
		if b.opts.RefCounting {
			if err := tracker.Add(ctx, newRef); err != nil {
				return err
			}
			if oldRef == "" {
				continue
			}
			zero, err := tracker.Release(ctx, oldRef)
			if err != nil {
				return err
			}
			if zero {
				ch.Stale = appendUnique(ch.Stale, content.Ref(oldRef))
			}
			continue
		}
		if oldRef == "" {
			continue
		}
		if b.opts.Queue != nil {
			if err := tracker.Queue(ctx, oldRef); err != nil {
				return err
			}
		}
		ch.Stale = appendUnique(ch.Stale, content.Ref(oldRef))
	}
	return nil
}

// AfterCommit removes the stale refs. Refs still present afterwards stay
// queued for the sweeper.
func (b *Behavior) AfterCommit(ctx context.Context, ch *meta.Change) {
	if len(ch.Stale) == 0 {
		return
	}
	results := b.removeAll(ctx, ch.Stale)
	for i, ref := range ch.Stale {
		if !results[i] && b.present(ctx, ref) {
			b.opts.Logger("upload: %s %s: %s kept for retry", ch.Op, recordID(ch), ref)
			continue
		}
		if b.opts.Queue == nil {
			continue
		}
		if err := b.opts.Queue.MarkGCComplete(ctx, ref.String()); err != nil {
			b.opts.Logger("upload: dequeue %s: %v", ref, err)
		}
	}
}

// present reports whether ref may still exist. Without an Exists method the
// answer is always yes.
func (b *Behavior) present(ctx context.Context, ref content.Ref) bool {
	ex, ok := b.store.(existser)
	if !ok {
		return true
	}
	exists, err := ex.Exists(ctx, ref)
	return err != nil || exists
}

func recordID(ch *meta.Change) string {
	if ch.New != nil {
		return ch.New.ID
	}
	return ch.Old.ID
}

func appendUnique(refs []content.Ref, ref content.Ref) []content.Ref {
	for _, r := range refs {
		if r == ref {
			return refs
		}
	}
	return append(refs, ref)
}
