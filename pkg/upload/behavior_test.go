package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jacktea/hashstore/pkg/content"
	"github.com/jacktea/hashstore/pkg/meta"
)

// stubStorage keeps refs in memory. Removals listed in failRemove report
// nothing removed and leave the ref in place.
type stubStorage struct {
	mu         sync.Mutex
	files      map[content.Ref]bool
	attempts   []content.Ref
	failStore  error
	failRemove map[content.Ref]bool
}

func newStubStorage() *stubStorage {
	return &stubStorage{files: make(map[content.Ref]bool), failRemove: make(map[content.Ref]bool)}
}

func (s *stubStorage) Store(ctx context.Context, r io.Reader, ext string) (content.Ref, error) {
	if s.failStore != nil {
		return "", s.failStore
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := content.Ref(fmt.Sprintf("/uploads/%s.%s", data, ext))
	s.mu.Lock()
	s.files[ref] = true
	s.mu.Unlock()
	return ref, nil
}

func (s *stubStorage) Remove(ctx context.Context, ref content.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, ref)
	if s.failRemove[ref] || !s.files[ref] {
		return false
	}
	delete(s.files, ref)
	return true
}

func (s *stubStorage) Exists(ctx context.Context, ref content.Ref) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[ref], nil
}

func (s *stubStorage) has(ref content.Ref) bool {
	ok, _ := s.Exists(context.Background(), ref)
	return ok
}

func discard(string, ...any) {}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		old       string
		content   string
		failStore error
		wantRef   content.Ref
		oldKept   bool
	}{
		{name: "different content removes old", old: "a", content: "b", wantRef: "/uploads/b.jpg"},
		{name: "identical content keeps file", old: "a", content: "a", wantRef: "/uploads/a.jpg", oldKept: true},
		{name: "store failure keeps old", old: "a", content: "b", failStore: errors.New("disk full"), oldKept: true},
		{name: "no previous ref", content: "b", wantRef: "/uploads/b.jpg"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store := newStubStorage()
			var old content.Ref
			if tc.old != "" {
				var err error
				old, err = store.Store(ctx, bytes.NewReader([]byte(tc.old)), "jpg")
				if err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			store.failStore = tc.failStore
			b := New(store, nil, WithLogger(discard))
			ref, err := b.Replace(ctx, old, content.NewUpload([]byte(tc.content), "jpg"))
			if tc.failStore != nil {
				if !errors.Is(err, tc.failStore) {
					t.Fatalf("expected store error, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("replace: %v", err)
			}
			if ref != tc.wantRef {
				t.Fatalf("expected ref %q, got %q", tc.wantRef, ref)
			}
			if old != "" && store.has(old) != tc.oldKept {
				t.Fatalf("old kept=%v, want %v", store.has(old), tc.oldKept)
			}
			if ref != "" && !store.has(ref) {
				t.Fatalf("new ref %s not retrievable", ref)
			}
		})
	}
}

func TestCleanupContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := newStubStorage()
	first, _ := store.Store(ctx, bytes.NewReader([]byte("first")), "jpg")
	second, _ := store.Store(ctx, bytes.NewReader([]byte("second")), "png")
	store.failRemove[first] = true

	b := New(store, nil, WithLogger(discard), WithConcurrency(1))
	if n := b.Cleanup(ctx, first, "", second); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if len(store.attempts) != 2 {
		t.Fatalf("expected both refs attempted, got %v", store.attempts)
	}
	if store.has(second) {
		t.Fatalf("second ref should be removed")
	}
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStubStorage()
	metaStore := meta.NewMemoryStore()
	b := New(store, []string{"image", "thumb"}, WithLogger(discard), WithQueue(metaStore))
	repo := meta.NewRepository(metaStore, b)

	rec := &meta.Record{ID: "p1"}
	err := repo.Save(ctx, rec, map[string]content.Upload{
		"image": content.NewUpload([]byte("one"), "jpg"),
		"thumb": content.NewUpload([]byte("small"), "png"),
		"other": content.NewUpload([]byte("ignored"), "txt"),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.Column("image") != "/uploads/one.jpg" || rec.Column("thumb") != "/uploads/small.png" {
		t.Fatalf("unexpected columns %v", rec.Columns)
	}
	if store.has("/uploads/ignored.txt") {
		t.Fatalf("undeclared attribute stored")
	}

	// No upload and no column keeps the previous value.
	update := &meta.Record{ID: "p1"}
	if err := repo.Save(ctx, update, map[string]content.Upload{
		"image": content.NewUpload([]byte("two"), "jpg"),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.Column("thumb") != "/uploads/small.png" {
		t.Fatalf("thumb not carried over: %v", update.Columns)
	}
	if store.has("/uploads/one.jpg") {
		t.Fatalf("replaced file still present")
	}
	if !store.has("/uploads/two.jpg") {
		t.Fatalf("new file missing")
	}

	// A failed removal on delete does not fail the delete and stays queued.
	store.failRemove["/uploads/two.jpg"] = true
	if err := repo.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.has("/uploads/small.png") {
		t.Fatalf("second ref not removed after first failed")
	}
	pending, _ := metaStore.ListZeroRef(ctx, 0)
	if len(pending) != 1 || pending[0] != "/uploads/two.jpg" {
		t.Fatalf("expected failed ref queued, got %v", pending)
	}
}

func TestSaveFailureIsAttributeError(t *testing.T) {
	ctx := context.Background()
	store := newStubStorage()
	store.failStore = errors.New("permission denied")
	metaStore := meta.NewMemoryStore()
	repo := meta.NewRepository(metaStore, New(store, []string{"image"}, WithLogger(discard)))

	err := repo.Save(ctx, &meta.Record{ID: "p1"}, map[string]content.Upload{
		"image": content.NewUpload([]byte("x"), "jpg"),
	})
	var verr *meta.ValidationError
	if !errors.As(err, &verr) || verr.Attribute != "image" {
		t.Fatalf("expected validation error on image, got %v", err)
	}
	if _, err := metaStore.Get(ctx, "p1"); !errors.Is(err, meta.ErrNotFound) {
		t.Fatalf("record persisted despite failed upload")
	}
}

func TestRefCountingKeepsSharedFiles(t *testing.T) {
	ctx := context.Background()
	files, err := content.Open(t.TempDir(), content.WithUploadPath("uploads"), content.WithLogger(discard))
	if err != nil {
		t.Fatalf("open content store: %v", err)
	}
	metaStore, err := meta.NewBoltStore(meta.BoltConfig{Path: filepath.Join(t.TempDir(), "meta.db")})
	if err != nil {
		t.Fatalf("open meta store: %v", err)
	}
	defer metaStore.Close()
	repo := meta.NewRepository(metaStore, New(files, []string{"image"}, WithRefCounting(metaStore), WithLogger(discard)))

	for _, id := range []string{"a", "b"} {
		if err := repo.Save(ctx, &meta.Record{ID: id}, map[string]content.Upload{
			"image": content.NewUpload([]byte("shared"), "jpg"),
		}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	a, err := repo.Find(ctx, "a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	ref := content.Ref(a.Column("image"))

	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if ok, _ := files.Exists(ctx, ref); !ok {
		t.Fatalf("shared file removed while still referenced")
	}
	if err := repo.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	if ok, _ := files.Exists(ctx, ref); ok {
		t.Fatalf("file kept after last reference dropped")
	}
	pending, _ := metaStore.ListZeroRef(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %v", pending)
	}
}
