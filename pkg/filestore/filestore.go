// Package filestore implements storage.Engine on a local directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"resumable/pkg/storage"
	"resumable/pkg/upload"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const infoSuffix = ".info"

// Config defines where uploads are stored.
type Config struct {
	// Dir is created when missing.
	Dir string
	// FS lets callers supply an existing filesystem instead of Dir.
	FS billy.Filesystem
	// Perm applied to new files. Defaults to 0644.
	Perm os.FileMode
}

// Storage keeps every upload as "<uid>" plus "<uid>.info".
type Storage struct {
	fs   billy.Filesystem
	perm os.FileMode
}

// Init prepares the directory.
func (s *Storage) Init(_ context.Context, param any) error {
	cfg, ok := param.(Config)
	if !ok {
		if p, ok := param.(*Config); ok && p != nil {
			cfg = *p
		} else {
			return fmt.Errorf("filestore: unexpected config type %T", param)
		}
	}

	s.perm = cfg.Perm
	if s.perm == 0 {
		s.perm = 0o644
	}

	if cfg.FS != nil {
		s.fs = cfg.FS
		return nil
	}
	if cfg.Dir == "" {
		return errors.New("filestore: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("filestore: create directory: %w", err)
	}
	s.fs = osfs.New(cfg.Dir)
	return nil
}

// Close is a no-op.
func (s *Storage) Close(_ context.Context) error {
	return nil
}

func (s *Storage) Create(ctx context.Context, uid string, info *upload.Info) error {
	f, err := s.fs.OpenFile(uid, os.O_CREATE|os.O_WRONLY, s.perm)
	if err != nil {
		return fmt.Errorf("filestore: create: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("filestore: create: %w", err)
	}
	return s.UpdateInfo(ctx, uid, info)
}

func (s *Storage) Concatenate(ctx context.Context, uid string, partUIDs []string, info *upload.Info) (int64, error) {
	dst, err := s.fs.OpenFile(uid, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.perm)
	if err != nil {
		return 0, fmt.Errorf("filestore: concatenate: %w", err)
	}

	var total int64
	for _, part := range partUIDs {
		n, err := s.appendPart(dst, part)
		if err != nil {
			dst.Close()
			_ = s.fs.Remove(uid)
			return 0, err
		}
		total += n
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("filestore: concatenate: %w", err)
	}

	for _, part := range partUIDs {
		if err := s.Delete(ctx, part, nil); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (s *Storage) appendPart(dst io.Writer, part string) (int64, error) {
	src, err := s.fs.Open(part)
	if errors.Is(err, os.ErrNotExist) {
		return 0, storage.ErrMissingParts
	}
	if err != nil {
		return 0, fmt.Errorf("filestore: open part: %w", err)
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("filestore: copy part %s: %w", part, err)
	}
	return n, nil
}

// Patch appends r to the data file. A failing read rolls the file back to its
// previous size so nothing of a rejected body is kept.
func (s *Storage) Patch(_ context.Context, uid string, r io.Reader, _ *upload.Info) (int64, error) {
	f, err := s.fs.OpenFile(uid, os.O_WRONLY|os.O_APPEND, s.perm)
	if errors.Is(err, os.ErrNotExist) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("filestore: open: %w", err)
	}
	defer f.Close()

	stat, err := s.fs.Stat(uid)
	if err != nil {
		return 0, fmt.Errorf("filestore: stat: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		if truncErr := f.Truncate(stat.Size()); truncErr != nil {
			return n, fmt.Errorf("filestore: patch: %w (rollback failed: %v)", err, truncErr)
		}
		return 0, err
	}
	return n, nil
}

func (s *Storage) ReadInfo(_ context.Context, uid string) (*upload.Info, error) {
	f, err := s.fs.Open(uid + infoSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open info: %w", err)
	}
	defer f.Close()

	var info upload.Info
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return nil, fmt.Errorf("filestore: decode info: %w", err)
	}
	return &info, nil
}

func (s *Storage) UpdateInfo(_ context.Context, uid string, info *upload.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("filestore: encode info: %w", err)
	}
	if err := util.WriteFile(s.fs, uid+infoSuffix, data, s.perm); err != nil {
		return fmt.Errorf("filestore: write info: %w", err)
	}
	return nil
}

func (s *Storage) Get(_ context.Context, uid string, _ *upload.Info, rng *storage.Range) (*storage.Response, error) {
	f, err := s.fs.Open(uid)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open: %w", err)
	}

	stat, err := s.fs.Stat(uid)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: stat: %w", err)
	}

	length := stat.Size()
	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("filestore: seek: %w", err)
		}
		length = rng.Len()
	}

	return &storage.Response{
		Length: length,
		ReadCloser: struct {
			io.Reader
			io.Closer
		}{io.LimitReader(f, length), f},
	}, nil
}

func (s *Storage) Delete(_ context.Context, uid string, _ *upload.Info) error {
	for _, name := range []string{uid, uid + infoSuffix} {
		if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filestore: delete: %w", err)
		}
	}
	return nil
}

// Expire removes uploads whose files were all last modified at or before cutoff.
func (s *Storage) Expire(ctx context.Context, cutoff time.Time) error {
	entries, err := s.fs.ReadDir("")
	if err != nil {
		return fmt.Errorf("filestore: list: %w", err)
	}

	latest := make(map[string]time.Time)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		uid := strings.TrimSuffix(entry.Name(), infoSuffix)
		if mod := entry.ModTime(); mod.After(latest[uid]) {
			latest[uid] = mod
		}
	}

	for uid, mod := range latest {
		if mod.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, uid, nil); err != nil {
			return err
		}
	}
	return nil
}

// Ensure Storage implements the Engine interface.
var _ storage.Engine = (*Storage)(nil)
