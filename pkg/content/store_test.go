package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jacktea/hashstore/pkg/blob"
	"github.com/jacktea/hashstore/pkg/xerrors"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]Option{WithUploadPath("/uploads/images/"), WithLogger(t.Logf)}, opts...)
	store, err := Open(root, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store, root
}

func TestStoreEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, root := newTestStore(t)

	testcases := []struct {
		content string
		ref     Ref
	}{
		{content: "abcd", ref: "/uploads/images/e2fc714c4727ee9395f324cd2e7f331f.jpg"},
		{content: "apple", ref: "/uploads/images/1f3870be274f6c49b3e31a0c6728957f.jpg"},
	}
	for _, tc := range testcases {
		ref, err := store.Store(ctx, strings.NewReader(tc.content), "jpg")
		if err != nil {
			t.Fatalf("store %q: %v", tc.content, err)
		}
		if ref != tc.ref {
			t.Fatalf("ref = %s, want %s", ref, tc.ref)
		}
		abs := filepath.Join(root, "uploads", "images", filepath.Base(string(tc.ref)))
		data, err := os.ReadFile(abs)
		if err != nil {
			t.Fatalf("expected file at %s: %v", abs, err)
		}
		if string(data) != tc.content {
			t.Fatalf("stored %q, want %q", data, tc.content)
		}
	}
}

func TestStoreDeterministicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	store, root := newTestStore(t)
	payload := []byte("the same bytes every time")

	first, err := store.Store(ctx, bytes.NewReader(payload), "png")
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	// A non-seekable reader takes the buffered path and must agree.
	second, err := store.Store(ctx, io.MultiReader(bytes.NewReader(payload)), "png")
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if first != second {
		t.Fatalf("refs differ: %s vs %s", first, second)
	}
	predicted, err := store.RefFor(payload, "png")
	if err != nil || predicted != first {
		t.Fatalf("RefFor = %s, %v; want %s", predicted, err, first)
	}
	entries, err := os.ReadDir(filepath.Join(root, "uploads", "images"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single stored file, got %d", len(entries))
	}
	rc, _, err := store.Open(ctx, first)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Fatalf("stored bytes differ")
	}
}

func TestStoreFromPipe(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer pr.Close()
	go func() {
		pw.Write([]byte("abcd"))
		pw.Close()
	}()
	ref, err := store.Store(ctx, pr, "jpg")
	if err != nil {
		t.Fatalf("store from pipe: %v", err)
	}
	if ref != "/uploads/images/e2fc714c4727ee9395f324cd2e7f331f.jpg" {
		t.Fatalf("unexpected ref %s", ref)
	}
	rc, size, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "abcd" || size != 4 {
		t.Fatalf("unexpected content %q size %d", got, size)
	}
}

func TestStoreDistinctContentAndExtension(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	a, err := store.Store(ctx, strings.NewReader("one"), "jpg")
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := store.Store(ctx, strings.NewReader("two"), "jpg")
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	c, err := store.Store(ctx, strings.NewReader("one"), "png")
	if err != nil {
		t.Fatalf("store c: %v", err)
	}
	if a == b {
		t.Fatalf("different content collided: %s", a)
	}
	if a == c {
		t.Fatalf("different extension collided: %s", a)
	}
	if strings.TrimSuffix(string(a), ".jpg") != strings.TrimSuffix(string(c), ".png") {
		t.Fatalf("same content should share the hash: %s %s", a, c)
	}
}

func TestStoreHashAlgorithms(t *testing.T) {
	ctx := context.Background()
	testcases := []struct {
		alg    blob.Algorithm
		hexLen int
	}{
		{alg: blob.MD5, hexLen: 32},
		{alg: blob.SHA256, hexLen: 64},
		{alg: blob.BLAKE3, hexLen: 64},
	}
	for _, tc := range testcases {
		t.Run(string(tc.alg), func(t *testing.T) {
			store, _ := newTestStore(t, WithHash(tc.alg))
			ref, err := store.Store(ctx, strings.NewReader("abcd"), "bin")
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			name := strings.TrimSuffix(filepath.Base(string(ref)), ".bin")
			if len(name) != tc.hexLen {
				t.Fatalf("hash %q has %d chars, want %d", name, len(name), tc.hexLen)
			}
		})
	}
}

func TestStoreRejectsBadExtensions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, ext := range []string{"", "a/b", `a\b`, "..", ".jpg", "x..y", "nul\x00"} {
		_, err := store.Store(ctx, strings.NewReader("x"), ext)
		if !xerrors.Is(err, xerrors.KindInvalid) {
			t.Fatalf("ext %q: expected invalid error, got %v", ext, err)
		}
	}
}

func TestStoreDirectoryCreationFailure(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	// A regular file where the upload directory should go.
	if err := os.WriteFile(filepath.Join(root, "uploads"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	store, err := Open(root, WithUploadPath("uploads/images"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ref, err := store.Store(ctx, strings.NewReader("abcd"), "jpg")
	if err == nil {
		t.Fatalf("expected failure, got ref %s", ref)
	}
	if ref != "" {
		t.Fatalf("failed store returned ref %s", ref)
	}
	if !xerrors.Is(err, xerrors.KindDirectory) {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestStoreWriteFailure(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{writeErr: xerrors.Wrap(xerrors.KindWrite, "stub", "", errors.New("disk full"))}
	store, err := New(backend)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ref, err := store.Store(ctx, strings.NewReader("abcd"), "jpg")
	if ref != "" || !xerrors.Is(err, xerrors.KindWrite) {
		t.Fatalf("ref=%q err=%v", ref, err)
	}
}

func TestStoreConcurrentIntoFreshDirectory(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, WithUploadPath("fresh/nested/dir"))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the writers race on identical content.
			body := fmt.Sprintf("payload-%d", i%16)
			if _, err := store.Store(ctx, strings.NewReader(body), "txt"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent store: %v", err)
	}
	count := 0
	if err := store.Walk(ctx, func(Ref, blob.Info) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if count != 16 {
		t.Fatalf("expected 16 stored files, got %d", count)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	ref, err := store.Store(ctx, strings.NewReader("abcd"), "jpg")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !store.Remove(ctx, ref) {
		t.Fatalf("expected first remove to delete the file")
	}
	if store.Remove(ctx, ref) {
		t.Fatalf("expected second remove to report nothing removed")
	}
	if store.Remove(ctx, "/uploads/images/never-stored.jpg") {
		t.Fatalf("expected unknown ref to report nothing removed")
	}
	if store.Remove(ctx, "") {
		t.Fatalf("expected empty ref to report nothing removed")
	}
}

func TestRemoveRejectsForeignRefs(t *testing.T) {
	ctx := context.Background()
	store, root := newTestStore(t)
	outside := filepath.Join(root, "secret.txt")
	if err := os.WriteFile(outside, []byte("keep"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, ref := range []Ref{"/secret.txt", "/uploads/images/../../secret.txt", "uploads/images/x.jpg", "/uploads/x.jpg"} {
		if store.Remove(ctx, ref) {
			t.Fatalf("ref %s should not resolve", ref)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside the upload path was touched: %v", err)
	}
}

func TestRemoveBackendFailureReportsFalse(t *testing.T) {
	ctx := context.Background()
	var logged []string
	backend := &failingBackend{deleteErr: errors.New("permission race")}
	store, err := New(backend, WithLogger(func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Remove(ctx, "/x.jpg") {
		t.Fatalf("expected false on backend failure")
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "permission race") {
		t.Fatalf("expected failure to be logged, got %v", logged)
	}
}

func TestNewRejectsTraversalUploadPath(t *testing.T) {
	if _, err := Open(t.TempDir(), WithUploadPath("../outside")); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if _, err := Open(t.TempDir(), WithHash("crc32")); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid hash error, got %v", err)
	}
}

func TestNormalizeUploadPath(t *testing.T) {
	testcases := map[string]string{
		"/uploads/images/": "uploads/images",
		"uploads//images":  "uploads/images",
		`\uploads\images`:  "uploads/images",
		"/":                "",
		"":                 "",
	}
	for in, want := range testcases {
		if got := normalizeUploadPath(in); got != want {
			t.Fatalf("normalizeUploadPath(%q) = %q, want %q", in, got, want)
		}
	}
}

type failingBackend struct {
	writeErr  error
	deleteErr error
}

func (f *failingBackend) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	return f.writeErr
}

func (f *failingBackend) Delete(ctx context.Context, key string) (bool, error) {
	return false, f.deleteErr
}

func (f *failingBackend) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (f *failingBackend) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return nil, 0, os.ErrNotExist
}

func (f *failingBackend) List(ctx context.Context, prefix string, fn func(blob.Info) error) error {
	return nil
}
