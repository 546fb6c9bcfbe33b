// Package storage contains the upload storage engine interface
// Implementations include S3, SQLite and the local filesystem
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"resumable/pkg/upload"
)

// Range represents a byte range [Start, End] inclusive.
type Range struct {
	Start int64
	End   int64
}

// Len is the number of bytes covered by the range.
func (r Range) Len() int64 { return r.End - r.Start + 1 }

// Header renders the range as an HTTP Range value.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Common errors returned by implementations.
var (
	ErrNotFound     = errors.New("upload not found")
	ErrMissingParts = errors.New("some parts for concatenation are missing")
	// ErrTooLarge means the engine cannot hold an upload of the declared length.
	ErrTooLarge = errors.New("upload exceeds the storage limits")
)

// Response streams upload content. Callers must close it.
type Response struct {
	Length int64
	io.ReadCloser
}

// Lifecycle defines init/teardown behavior.
type Lifecycle interface {
	Init(ctx context.Context, param any) error
	Close(ctx context.Context) error
}

// Writer exposes write-related operations.
type Writer interface {
	// Create allocates empty storage for uid. Re-creating is allowed.
	Create(ctx context.Context, uid string, info *upload.Info) error
	// Concatenate writes the content of partUIDs, in order, as uid and deletes
	// the parts. It returns the resulting size.
	Concatenate(ctx context.Context, uid string, partUIDs []string, info *upload.Info) (int64, error)
	// Patch appends r to uid and returns how many bytes were durably stored.
	// It may accept fewer bytes than r offers, never more.
	Patch(ctx context.Context, uid string, r io.Reader, info *upload.Info) (int64, error)
	// UpdateInfo persists info for uid.
	UpdateInfo(ctx context.Context, uid string, info *upload.Info) error
}

// Reader exposes read-related operations.
type Reader interface {
	// ReadInfo returns ErrNotFound for unknown uploads.
	ReadInfo(ctx context.Context, uid string) (*upload.Info, error)
	// Get streams the content of uid, limited to rng when it is not nil.
	Get(ctx context.Context, uid string, info *upload.Info, rng *Range) (*Response, error)
}

// Deleter exposes delete behavior.
type Deleter interface {
	// Delete removes everything stored for uid. Missing data is not an error.
	Delete(ctx context.Context, uid string, info *upload.Info) error
	// Expire removes uploads last modified at or before cutoff.
	Expire(ctx context.Context, cutoff time.Time) error
}

// Engine aggregates the full contract for upload storage backends.
type Engine interface {
	Lifecycle
	Writer
	Reader
	Deleter
}

// Finalizer is implemented by engines that must seal an upload once every
// byte has been received.
type Finalizer interface {
	Finalize(ctx context.Context, uid string, info *upload.Info) error
}

// URLer is implemented by engines that can hand out direct download URLs.
type URLer interface {
	URL(ctx context.Context, uid string, info *upload.Info) (string, error)
}

// Finalize calls e.Finalize when the engine needs it.
func Finalize(ctx context.Context, e Engine, uid string, info *upload.Info) error {
	if f, ok := e.(Finalizer); ok {
		return f.Finalize(ctx, uid, info)
	}
	return nil
}
