package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/hashstore/pkg/xerrors"
)

// FSStore persists objects on a billy filesystem, normally the local disk.
type FSStore struct {
	root string
	fs   billy.Filesystem
	// durable requires every written file to be synced before rename.
	durable bool
}

// NewFSStore returns a Store rooted at the local directory root.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "FSStore", "root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "FSStore", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindDirectory, "FSStore.mkdir", abs, err)
	}
	// The bound OS filesystem hands out *os.File backed files, which can Sync.
	return &FSStore{root: abs, fs: osfs.New(abs, osfs.WithBoundOS()), durable: true}, nil
}

// NewFSStoreFrom wraps an existing billy filesystem (memfs in tests). Files
// are synced when the filesystem supports it.
func NewFSStoreFrom(fs billy.Filesystem) *FSStore {
	return &FSStore{root: fs.Root(), fs: fs}
}

// Root returns the storage root the keys are resolved against.
func (s *FSStore) Root() string { return s.root }

// Path returns the absolute location of key on the local filesystem.
func (s *FSStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := path.Dir(key)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return xerrors.Wrap(xerrors.KindDirectory, "FSStore.mkdir", dir, err)
	}
	file, err := s.fs.TempFile(dir, ".upload-")
	if err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "FSStore.temp", dir, err)
	}
	tmpName := path.Join(dir, filepath.Base(file.Name()))
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		s.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "FSStore.copy", key, err)
	}
	if err := s.sync(file); err != nil {
		file.Close()
		s.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "FSStore.sync", key, err)
	}
	if err := file.Close(); err != nil {
		s.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "FSStore.close", key, err)
	}
	if err := s.fs.Rename(tmpName, key); err != nil {
		s.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "FSStore.rename", key, err)
	}
	return nil
}

type syncer interface {
	Sync() error
}

func (s *FSStore) sync(file billy.File) error {
	f, ok := file.(syncer)
	if !ok {
		if s.durable {
			return errors.New("file cannot be synced")
		}
		return nil
	}
	return f.Sync()
}

func (s *FSStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.fs.Remove(key); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.KindOf(err), "FSStore.Delete", key, err)
	}
	return true, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.fs.Stat(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := s.fs.Open(key)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindOf(err), "FSStore.Open", key, err)
	}
	info, err := s.fs.Stat(key)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// List walks every regular file under prefix. A missing prefix yields nothing.
func (s *FSStore) List(ctx context.Context, prefix string, fn func(Info) error) error {
	start := strings.Trim(prefix, "/")
	if start == "" {
		start = "."
	}
	if _, err := s.fs.Stat(start); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return util.Walk(s.fs, start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		return fn(Info{
			Key:     strings.TrimPrefix(filepath.ToSlash(p), "./"),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	})
}
