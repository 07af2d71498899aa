package content

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"

	"github.com/jacktea/hashstore/pkg/blob"
	"github.com/jacktea/hashstore/pkg/xerrors"
)

// Ref is the reference path returned by Store, for example
// "/uploads/images/e2fc714c4727ee9395f324cd2e7f331f.jpg". Two refs are
// equal iff their strings are equal.
type Ref string

func (r Ref) String() string { return string(r) }

// IsZero reports whether r holds no reference.
func (r Ref) IsZero() bool { return r == "" }

// Upload is a fully received file waiting to be stored.
type Upload struct {
	Reader io.Reader
	Ext    string
	// Size is the content length, or -1 when unknown.
	Size int64
}

// NewUpload wraps data as an Upload.
func NewUpload(data []byte, ext string) Upload {
	return Upload{Reader: bytes.NewReader(data), Ext: ext, Size: int64(len(data))}
}

// Store maps uploaded content to content-addressed locations on a backend.
// It keeps no state between calls and is safe for concurrent use.
type Store struct {
	backend blob.Backend
	opts    Options
}

// New returns a Store writing through backend.
func New(backend blob.Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "content.New", "backend")
	}
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	for _, part := range strings.Split(options.UploadPath, "/") {
		if part == ".." {
			return nil, xerrors.E(xerrors.KindInvalid, "content.New", options.UploadPath)
		}
	}
	if _, err := blob.Hasher(options.Hash); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "content.New", string(options.Hash), err)
	}
	return &Store{backend: backend, opts: *options}, nil
}

// Open returns a Store on the local directory storageRoot.
func Open(storageRoot string, opts ...Option) (*Store, error) {
	backend, err := blob.NewFSStore(storageRoot)
	if err != nil {
		return nil, err
	}
	return New(backend, opts...)
}

// Backend returns the underlying backend.
func (s *Store) Backend() blob.Backend { return s.backend }

// UploadPath returns the normalized upload path, without surrounding slashes.
func (s *Store) UploadPath() string { return s.opts.UploadPath }

// Store writes the full content of r and returns its reference. Storing the
// same bytes with the same extension again yields the same reference and
// rewrites identical content.
func (s *Store) Store(ctx context.Context, r io.Reader, ext string) (Ref, error) {
	if err := validateExt(ext); err != nil {
		return "", err
	}
	sum, body, size, err := s.digest(r)
	if err != nil {
		return "", err
	}
	ref := s.refFor(sum, ext)
	if err := s.backend.Write(ctx, keyOf(ref), body, size); err != nil {
		return "", fmt.Errorf("store %s: %w", ref, err)
	}
	return ref, nil
}

// StoreUpload stores up.
func (s *Store) StoreUpload(ctx context.Context, up Upload) (Ref, error) {
	if up.Reader == nil {
		return "", xerrors.E(xerrors.KindInvalid, "content.Store", "reader")
	}
	return s.Store(ctx, up.Reader, up.Ext)
}

// RefFor computes the reference data would be stored under without writing it.
func (s *Store) RefFor(data []byte, ext string) (Ref, error) {
	if err := validateExt(ext); err != nil {
		return "", err
	}
	sum, _, _, err := s.digest(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return s.refFor(sum, ext), nil
}

// Remove deletes the file behind ref and reports whether anything was
// removed. Missing files, foreign refs and backend failures all report false;
// failures are logged, never returned.
func (s *Store) Remove(ctx context.Context, ref Ref) bool {
	if ref.IsZero() {
		return false
	}
	key, err := s.Key(ref)
	if err != nil {
		s.opts.Logger("content: remove %s: %v", ref, err)
		return false
	}
	removed, err := s.backend.Delete(ctx, key)
	if err != nil {
		s.opts.Logger("content: remove %s: %v", ref, err)
		return false
	}
	return removed
}

// Open returns a reader for the content behind ref.
func (s *Store) Open(ctx context.Context, ref Ref) (io.ReadCloser, int64, error) {
	key, err := s.Key(ref)
	if err != nil {
		return nil, 0, err
	}
	return s.backend.Open(ctx, key)
}

// Exists reports whether ref is currently stored.
func (s *Store) Exists(ctx context.Context, ref Ref) (bool, error) {
	key, err := s.Key(ref)
	if err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, key)
}

// Walk calls fn for every reference stored directly under the upload path.
func (s *Store) Walk(ctx context.Context, fn func(Ref, blob.Info) error) error {
	return s.backend.List(ctx, s.opts.UploadPath, func(info blob.Info) error {
		ref := Ref("/" + info.Key)
		if _, err := s.Key(ref); err != nil {
			return nil
		}
		return fn(ref, info)
	})
}

// Key resolves ref to a backend key. Only clean refs naming a file directly
// under the upload path resolve.
func (s *Store) Key(ref Ref) (string, error) {
	raw := string(ref)
	if !strings.HasPrefix(raw, "/") || path.Clean(raw) != raw {
		return "", xerrors.E(xerrors.KindInvalid, "content.Key", raw)
	}
	key := keyOf(ref)
	dir, name := path.Split(key)
	want := ""
	if s.opts.UploadPath != "" {
		want = s.opts.UploadPath + "/"
	}
	if dir != want || name == "" || strings.HasPrefix(name, ".") {
		return "", xerrors.E(xerrors.KindInvalid, "content.Key", raw)
	}
	return key, nil
}

func (s *Store) refFor(sum, ext string) Ref {
	name := sum + "." + ext
	if s.opts.UploadPath == "" {
		return Ref("/" + name)
	}
	return Ref("/" + s.opts.UploadPath + "/" + name)
}

// digest hashes r. Seekable readers are rewound and handed back; anything
// else, including pipes posing as *os.File, is buffered so the bytes can be
// written after hashing.
func (s *Store) digest(r io.Reader) (string, io.Reader, int64, error) {
	h, err := blob.Hasher(s.opts.Hash)
	if err != nil {
		return "", nil, 0, err
	}
	if rs, ok := r.(io.ReadSeeker); ok {
		if start, err := rs.Seek(0, io.SeekCurrent); err == nil {
			return digestSeeker(h, rs, start)
		}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, h), r); err != nil {
		return "", nil, 0, xerrors.Wrap(xerrors.KindInternal, "content.read", "", err)
	}
	return hex.EncodeToString(h.Sum(nil)), bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil
}

func digestSeeker(h hash.Hash, rs io.ReadSeeker, start int64) (string, io.Reader, int64, error) {
	n, err := io.Copy(h, rs)
	if err != nil {
		return "", nil, 0, xerrors.Wrap(xerrors.KindInternal, "content.read", "", err)
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return "", nil, 0, xerrors.Wrap(xerrors.KindInternal, "content.seek", "", err)
	}
	return hex.EncodeToString(h.Sum(nil)), rs, n, nil
}

func validateExt(ext string) error {
	if ext == "" ||
		strings.ContainsAny(ext, "/\\\x00") ||
		strings.HasPrefix(ext, ".") ||
		strings.Contains(ext, "..") {
		return xerrors.E(xerrors.KindInvalid, "content.ext", ext)
	}
	return nil
}

func keyOf(ref Ref) string {
	return strings.TrimPrefix(string(ref), "/")
}
