package upload

import (
	"errors"
	"io"
	"os"
)

// ErrMaxSizeExceeded is returned once a stream offers more than its limit.
var ErrMaxSizeExceeded = errors.New("upload: maximum size exceeded")

// Input wraps a request body. It never yields more than limit bytes and reports
// ErrMaxSizeExceeded when the body holds more. Any other read failure, such as
// a client going away mid-request, ends the stream with io.EOF so storage
// engines keep what they already accepted.
type Input struct {
	r     io.Reader
	limit int64
	pos   int64
	err   error
}

// NewInput wraps r. A negative limit means unbounded.
func NewInput(r io.Reader, limit int64) *Input {
	return &Input{r: r, limit: limit}
}

func (in *Input) Read(p []byte) (int, error) {
	if in.err != nil {
		return 0, io.EOF
	}

	if in.limit >= 0 {
		remaining := in.limit - in.pos
		if remaining == 0 {
			var probe [1]byte
			n, err := io.ReadFull(in.r, probe[:])
			if n > 0 {
				return 0, ErrMaxSizeExceeded
			}
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				in.err = err
			}
			return 0, io.EOF
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}

	n, err := in.r.Read(p)
	in.pos += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		in.err = err
		return n, io.EOF
	}
	return n, err
}

// Pos is the number of bytes read so far.
func (in *Input) Pos() int64 { return in.pos }

// Interrupted returns the read error that cut the stream short, if any.
func (in *Input) Interrupted() error { return in.err }

// Spooled is a bounded copy of a request body held in a temporary file.
type Spooled struct {
	*os.File
	size        int64
	interrupted error
}

// Spool copies r into a temporary file, failing with ErrMaxSizeExceeded when
// it holds more than limit bytes. The file is positioned at its start.
func Spool(r io.Reader, limit int64) (*Spooled, error) {
	f, err := os.CreateTemp("", "resumable-spool-*")
	if err != nil {
		return nil, err
	}
	s := &Spooled{File: f}

	in := NewInput(r, limit)
	n, err := io.Copy(f, in)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	s.size = n
	s.interrupted = in.Interrupted()
	return s, nil
}

func (s *Spooled) Size() int64 { return s.size }

// Interrupted returns the read error that cut the body short, if any.
func (s *Spooled) Interrupted() error { return s.interrupted }

// Close closes and removes the temporary file.
func (s *Spooled) Close() error {
	err := s.File.Close()
	if rmErr := os.Remove(s.File.Name()); err == nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = rmErr
	}
	return err
}
