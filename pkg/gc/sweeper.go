package gc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jacktea/hashstore/pkg/blob"
	"github.com/jacktea/hashstore/pkg/content"
	"github.com/jacktea/hashstore/pkg/meta"
)

// Files is the part of content.Store the sweeper drives.
type Files interface {
	Walk(ctx context.Context, fn func(content.Ref, blob.Info) error) error
	Remove(ctx context.Context, ref content.Ref) bool
}

// Options configures a Sweeper.
type Options struct {
	Store   meta.Store
	Content Files
	// Attrs restricts which record columns count as references. Empty means
	// every column.
	Attrs     []string
	BatchSize int
	// MinAge protects files written recently, such as uploads whose record
	// has not been committed yet.
	MinAge time.Duration
	// Orphans also removes stored files no record references. Refs handed
	// out without a record are removed too, so it is off by default.
	Orphans bool
	Logger  func(format string, args ...any)
}

// Sweeper removes queued and orphaned files from a content store.
type Sweeper struct {
	store     meta.Store
	files     Files
	attrs     []string
	batchSize int
	minAge    time.Duration
	orphans   bool
	logf      func(string, ...any)
	now       func() time.Time
}

// NewSweeper wires metadata and content stores for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	logf := opts.Logger
	if logf == nil {
		logf = log.Printf
	}
	return &Sweeper{
		store:     opts.Store,
		files:     opts.Content,
		attrs:     opts.Attrs,
		batchSize: opts.BatchSize,
		minAge:    opts.MinAge,
		orphans:   opts.Orphans,
		logf:      logf,
		now:       time.Now,
	}
}

// Sweep performs a best-effort GC pass, returning files removed. Queued refs
// are handled first; with Orphans set, every stored file no record
// references is removed afterwards.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil || s.files == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	live, err := s.liveRefs(ctx)
	if err != nil {
		return 0, err
	}
	stored := make(map[string]blob.Info)
	err = s.files.Walk(ctx, func(ref content.Ref, info blob.Info) error {
		stored[ref.String()] = info
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gc walk: %w", err)
	}

	total, err := s.drainQueue(ctx, live, stored)
	if err != nil || !s.orphans {
		return total, err
	}
	for ref, info := range stored {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if _, ok := live[ref]; ok || s.tooYoung(info) {
			continue
		}
		if s.files.Remove(ctx, content.Ref(ref)) {
			s.logf("gc: removed orphan %s", ref)
			total++
		}
	}
	return total, nil
}

// drainQueue works through the removal queue in batches. Entries are
// dequeued once the file is gone or a record references it again; young
// files stay queued until a later pass.
func (s *Sweeper) drainQueue(ctx context.Context, live map[string]struct{}, stored map[string]blob.Info) (int, error) {
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		refs, err := s.store.ListZeroRef(ctx, limit)
		if err != nil {
			return total, err
		}
		if len(refs) == 0 {
			return total, nil
		}
		progress := 0
		for _, ref := range refs {
			info, exists := stored[ref]
			_, referenced := live[ref]
			switch {
			case referenced || !exists:
			case s.tooYoung(info):
				continue
			case s.files.Remove(ctx, content.Ref(ref)):
				total++
			default:
				continue
			}
			delete(stored, ref)
			if err := s.store.MarkGCComplete(ctx, ref); err != nil {
				return total, err
			}
			progress++
		}
		if len(refs) < limit || progress == 0 {
			return total, nil
		}
	}
}

func (s *Sweeper) liveRefs(ctx context.Context) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	err := s.store.ForEach(ctx, func(rec meta.Record) error {
		if len(s.attrs) == 0 {
			for _, v := range rec.Columns {
				if v != "" {
					live[v] = struct{}{}
				}
			}
			return nil
		}
		for _, attr := range s.attrs {
			if v := rec.Column(attr); v != "" {
				live[v] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gc scan records: %w", err)
	}
	return live, nil
}

func (s *Sweeper) tooYoung(info blob.Info) bool {
	return s.minAge > 0 && s.now().Sub(info.ModTime) < s.minAge
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && s.logf != nil {
				s.logf("gc sweep: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
