package tus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func offsetOf(t *testing.T, s *testServer, target string) string {
	t.Helper()
	w := s.do(http.MethodHead, target, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	return w.Header().Get("Upload-Offset")
}

func TestUploadLifecycle(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.create("Upload-Length", "11", "Upload-Metadata", testMetadata)

	w := s.appendChunk(target, "0", "hello")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "5", w.Header().Get("Upload-Offset"))
	require.NotEmpty(t, w.Header().Get("Upload-Expires"))

	w = s.appendChunk(target, "5", " world")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "11", w.Header().Get("Upload-Offset"))

	w = s.do(http.MethodHead, target, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "11", w.Header().Get("Upload-Offset"))
	require.Equal(t, "11", w.Header().Get("Upload-Length"))
	require.Equal(t, testMetadata, w.Header().Get("Upload-Metadata"))
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	require.Empty(t, w.Body.String())

	w = s.appendChunk(target, "11", "!")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "Cannot modify completed upload\n", w.Body.String())
}

func TestPatchValidation(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.create("Upload-Length", "11")
	require.Equal(t, http.StatusNoContent, s.appendChunk(target, "0", "hello").Code)

	for name, tc := range map[string]struct {
		target  string
		headers []string
		status  int
	}{
		"wrong content type": {target, []string{"Content-Type", "application/octet-stream"}, http.StatusUnsupportedMediaType},
		"missing offset":     {target, []string{"Upload-Offset", ""}, http.StatusBadRequest},
		"invalid offset":     {target, []string{"Upload-Offset", "five"}, http.StatusBadRequest},
		"offset mismatch":    {target, []string{"Upload-Offset", "3"}, http.StatusConflict},
		"unknown upload":     {"/files/0123456789abcdef0123456789abcdef", nil, http.StatusNotFound},
		"malformed uid":      {"/files/not-an-upload", nil, http.StatusNotFound},
		"bad algorithm":      {target, []string{HeaderChecksum, "rot13 aGVsbG8="}, http.StatusBadRequest},
		"bad checksum":       {target, []string{HeaderChecksum, "sha1"}, http.StatusBadRequest},
	} {
		t.Run(name, func(t *testing.T) {
			w := s.appendChunk(tc.target, "5", " world", tc.headers...)
			require.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}

	require.Equal(t, "5", offsetOf(t, s, target))
}

func TestPatchBeyondLength(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.create("Upload-Length", "5")

	w := s.appendChunk(target, "0", "hello world")
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Equal(t, "0", offsetOf(t, s, target))

	// without Content-Length the body is measured before it is stored
	r := httptest.NewRequest(http.MethodPatch, target, io.MultiReader(strings.NewReader("hello"), strings.NewReader(" world")))
	r.ContentLength = -1
	r.Header.Set(HeaderResumable, Version)
	r.Header.Set("Content-Type", ContentType)
	r.Header.Set("Upload-Offset", "0")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "0", offsetOf(t, s, target))

	resp, err := s.engine.Get(t.Context(), target[len("/files/"):], nil, nil)
	require.NoError(t, err)
	defer resp.Close()
	require.Zero(t, resp.Length)
}

func TestPatchChecksum(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.create("Upload-Length", "10")

	w := s.appendChunk(target, "0", "hello", HeaderChecksum, "sha1 AAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.Equal(t, StatusInvalid, w.Code)
	require.Equal(t, "0", offsetOf(t, s, target))

	w = s.appendChunk(target, "0", "hello", HeaderChecksum, "sha1 qvTGHdzF6KLavt4PO0gs2a6pQ00=")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "5", w.Header().Get("Upload-Offset"))
}

func TestPatchDeferredLength(t *testing.T) {
	s := newTestServer(t, Config{MaxSize: 20})
	target := s.create("Upload-Defer-Length", "1")

	w := s.do(http.MethodHead, target, "")
	require.Equal(t, "1", w.Header().Get("Upload-Defer-Length"))
	require.Empty(t, w.Header().Get("Upload-Length"))

	w = s.appendChunk(target, "0", "hello")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "5", w.Header().Get("Upload-Offset"))

	// still bounded by the server maximum
	w = s.appendChunk(target, "5", strings.Repeat("x", 16))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	for _, length := range []string{"4", "21", "eleven"} {
		w = s.appendChunk(target, "5", " world", "Upload-Length", length)
		require.Equal(t, http.StatusBadRequest, w.Code, length)
	}
	require.Equal(t, "5", offsetOf(t, s, target))

	w = s.appendChunk(target, "5", " world", "Upload-Length", "11")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	require.Equal(t, "11", w.Header().Get("Upload-Length"))
	require.Empty(t, w.Header().Get("Upload-Defer-Length"))

	w = s.do(http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello world", w.Body.String())
}

func TestPatchExpiredUpload(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.create("Upload-Length", "5")

	s.handler.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	w := s.appendChunk(target, "0", "hello")
	require.Equal(t, http.StatusNotFound, w.Code)
}
