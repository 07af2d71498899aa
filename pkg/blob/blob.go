package blob

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Info describes a stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the minimal interface required by the content store.
// Keys are slash-separated and relative to the backend root.
type Backend interface {
	Write(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	List(ctx context.Context, prefix string, fn func(Info) error) error
}

// Algorithm names a content hash.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm accepts the names used in configuration files.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(strings.TrimSpace(name))); alg {
	case "":
		return MD5, nil
	case MD5, SHA256, BLAKE3:
		return alg, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// Hasher returns a fresh hash for alg. Every supported algorithm is at least 128 bits.
func Hasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case MD5, "":
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", alg)
	}
}
