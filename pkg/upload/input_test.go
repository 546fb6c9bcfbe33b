package upload

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type brokenReader struct {
	data string
	read bool
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if b.read {
		return 0, errors.New("connection reset by peer")
	}
	b.read = true
	return copy(p, b.data), nil
}

func TestInputWithinLimit(t *testing.T) {
	in := NewInput(strings.NewReader("hello"), 5)
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.EqualValues(t, 5, in.Pos())
}

func TestInputExceedingLimit(t *testing.T) {
	in := NewInput(strings.NewReader("hello world"), 5)
	data, err := io.ReadAll(in)
	require.ErrorIs(t, err, ErrMaxSizeExceeded)
	require.Equal(t, "hello", string(data))
	require.EqualValues(t, 5, in.Pos())
}

func TestInputUnbounded(t *testing.T) {
	in := NewInput(strings.NewReader("hello world"), -1)
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	require.Len(t, data, 11)
}

func TestInputInterruptedStream(t *testing.T) {
	in := NewInput(&brokenReader{data: "hel"}, -1)
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	require.Equal(t, "hel", string(data))
	require.Error(t, in.Interrupted())
}

func TestSpool(t *testing.T) {
	s, err := Spool(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	defer s.Close()

	require.EqualValues(t, 5, s.Size())
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = Spool(strings.NewReader("hello world"), 5)
	require.ErrorIs(t, err, ErrMaxSizeExceeded)
}
