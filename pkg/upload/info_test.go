package upload

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTrip(t *testing.T) {
	header := "filename bmF0dXJlLmpwZw==,content_type aW1hZ2UvanBlZw=="

	md, err := ParseMetadata(header)
	require.NoError(t, err)

	want := Metadata{
		{Key: "filename", Value: []byte("nature.jpg")},
		{Key: "content_type", Value: []byte("image/jpeg")},
	}
	if diff := cmp.Diff(want, md); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, header, md.String())
}

func TestMetadataLookupIsCaseSensitive(t *testing.T) {
	md, err := ParseMetadata("filename Zm9v")
	require.NoError(t, err)

	v, ok := md.Get("filename")
	require.True(t, ok)
	require.Equal(t, "foo", string(v))

	_, ok = md.Get("Filename")
	require.False(t, ok)
}

func TestMetadataEmptyValue(t *testing.T) {
	md, err := ParseMetadata("filename Zm9v,content_type ")
	require.NoError(t, err)
	require.Len(t, md, 2)

	v, ok := md.Get("content_type")
	require.True(t, ok)
	require.Empty(t, v)
}

func TestMetadataRejectsMalformedEntries(t *testing.T) {
	for _, header := range []string{
		"filename not-base64!",
		"fïlename Zm9v",
		"file name Zm9v",
		" ,filename Zm9v",
	} {
		_, err := ParseMetadata(header)
		var invalidErr *InvalidHeaderError
		require.ErrorAs(t, err, &invalidErr, header)
		require.Equal(t, HeaderMetadata, invalidErr.Header)
	}
}

func TestFromHeaders(t *testing.T) {
	pattern := URLPattern("/files")

	t.Run("length", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderLength, "100")
		h.Set(HeaderMetadata, "filename Zm9v")

		info, err := FromHeaders(h, pattern)
		require.NoError(t, err)
		require.True(t, info.HasLength())
		require.EqualValues(t, 100, *info.Length)
		require.Equal(t, "foo", info.Metadata.Lookup("filename"))

		remaining, ok := info.RemainingLength()
		require.True(t, ok)
		require.EqualValues(t, 100, remaining)
	})

	t.Run("deferred", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderDeferLength, "1")

		info, err := FromHeaders(h, pattern)
		require.NoError(t, err)
		require.True(t, info.DeferLength)
		_, ok := info.RemainingLength()
		require.False(t, ok)
		require.Equal(t, "1", info.Headers().Get(HeaderDeferLength))
		require.Empty(t, info.Headers().Get(HeaderLength))
	})

	t.Run("final concatenation", func(t *testing.T) {
		a, b := NewUID(), NewUID()
		h := http.Header{}
		h.Set(HeaderConcat, "final;/files/"+a+" http://localhost/files/"+b)

		info, err := FromHeaders(h, pattern)
		require.NoError(t, err)
		require.True(t, info.IsFinal())
		require.Equal(t, []string{a, b}, info.PartialUploads())
	})

	for name, h := range map[string]http.Header{
		"missing length":     {},
		"negative length":    {HeaderLength: {"-1"}},
		"non numeric length": {HeaderLength: {"foo"}},
		"bad defer":          {HeaderDeferLength: {"2"}},
		"bad concat":         {HeaderConcat: {"foo"}, HeaderLength: {"1"}},
		"foreign part url":   {HeaderConcat: {"final;/other/" + NewUID()}},
		"invalid part uid":   {HeaderConcat: {"final;/files/../etc"}},
		"empty final":        {HeaderConcat: {"final;"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromHeaders(h, pattern)
			var invalidErr *InvalidHeaderError
			require.True(t, errors.As(err, &invalidErr), "got %v", err)
		})
	}
}

func TestInfoPersistedShape(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	info := &Info{Offset: 5, Concat: ConcatPartial, Expires: expires}
	info.SetLength(11)
	info.Metadata = Metadata{{Key: "filename", Value: []byte("foo")}}

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.EqualValues(t, 11, raw["Upload-Length"])
	require.EqualValues(t, 5, raw["Upload-Offset"])
	require.Equal(t, "filename Zm9v", raw["Upload-Metadata"])
	require.NotContains(t, raw, "multipart")

	var decoded Info
	require.NoError(t, json.Unmarshal(data, &decoded))
	if diff := cmp.Diff(info, &decoded); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "Fri, 02 Jan 2026 03:04:05 GMT", decoded.Headers().Get(HeaderExpires))
}

func TestCompletedAndExpired(t *testing.T) {
	now := time.Now()
	info := &Info{Expires: now.Add(-time.Second)}
	require.True(t, info.Expired(now))
	require.False(t, info.Completed())

	info.SetLength(0)
	require.True(t, info.Completed())
	require.False(t, (&Info{}).Expired(now))
}
