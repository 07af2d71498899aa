package content

import (
	"log"
	"strings"

	"github.com/jacktea/hashstore/pkg/blob"
)

// Options configures a Store.
type Options struct {
	UploadPath string
	Hash       blob.Algorithm
	Logger     func(format string, args ...any)
}

// Option is a functional option for configuring a Store.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Hash:   blob.MD5,
		Logger: log.Printf,
	}
}

// WithUploadPath nests every reference under path. Leading and trailing
// separators are dropped.
func WithUploadPath(path string) Option {
	return func(o *Options) { o.UploadPath = normalizeUploadPath(path) }
}

// WithHash selects the content hash. MD5 is the default.
func WithHash(alg blob.Algorithm) Option {
	return func(o *Options) {
		if alg != "" {
			o.Hash = alg
		}
	}
}

// WithLogger routes failures that are swallowed at the store boundary.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(o *Options) {
		if logf != nil {
			o.Logger = logf
		}
	}
}

func normalizeUploadPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}
