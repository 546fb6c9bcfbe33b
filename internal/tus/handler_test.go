package tus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"testing"

	"resumable/pkg/filestore"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testMetadata = "filename aGVsbG8udHh0,content_type dGV4dC9wbGFpbg=="

type testServer struct {
	t       *testing.T
	handler *Handler
	engine  *filestore.Storage
	dir     string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	dir := t.TempDir()
	engine := &filestore.Storage{}
	require.NoError(t, engine.Init(context.Background(), filestore.Config{Dir: dir}))
	return &testServer{t: t, handler: New(engine, cfg), engine: engine, dir: dir}
}

// do sends a request carrying the protocol version unless headers override it.
func (s *testServer) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set(HeaderResumable, Version)
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			r.Header.Del(headers[i])
			continue
		}
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	return w
}

// create makes an upload and returns its path.
func (s *testServer) create(headers ...string) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/files", "", headers...)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	location := w.Header().Get("Location")
	require.NotEmpty(s.t, location)
	return "/files/" + path.Base(location)
}

func (s *testServer) appendChunk(target string, offset, body string, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	headers = append([]string{"Content-Type", ContentType, "Upload-Offset", offset}, headers...)
	return s.do(http.MethodPatch, target, body, headers...)
}

func (s *testServer) upload(content string, headers ...string) string {
	s.t.Helper()
	target := s.create(append([]string{"Upload-Length", strconv.Itoa(len(content))}, headers...)...)
	if content != "" {
		w := s.appendChunk(target, "0", content)
		require.Equal(s.t, http.StatusNoContent, w.Code, w.Body.String())
	}
	return target
}

func TestOptions(t *testing.T) {
	s := newTestServer(t, Config{MaxSize: 1024})

	for _, target := range []string{"/files", "/files/0123456789abcdef0123456789abcdef"} {
		w := s.do(http.MethodOptions, target, "", HeaderResumable, "")
		require.Equal(t, http.StatusNoContent, w.Code)
		require.Equal(t, Version, w.Header().Get(HeaderResumable))
		require.Equal(t, Version, w.Header().Get(HeaderVersion))
		require.Equal(t, Extensions, w.Header().Get(HeaderExtension))
		require.Equal(t, "sha1,sha256,sha384,sha512,md5,crc32,blake2b", w.Header().Get(HeaderAlgorithms))
		require.Equal(t, "1024", w.Header().Get(HeaderMaxSize))
	}
}

func TestUnsupportedVersion(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(http.MethodPost, "/files", "", HeaderResumable, "0.2.2", "Upload-Length", "5")
	require.Equal(t, http.StatusPreconditionFailed, w.Code)
	require.Equal(t, Version, w.Header().Get(HeaderVersion))
	require.Equal(t, Version, w.Header().Get(HeaderResumable))
	require.Equal(t, "Unsupported version\n", w.Body.String())

	target := s.upload("hello")
	w = s.do(http.MethodHead, target, "", HeaderResumable, "")
	require.Equal(t, http.StatusPreconditionFailed, w.Code)
	require.Empty(t, w.Body.String())

	for _, method := range []string{http.MethodPatch, http.MethodDelete} {
		w = s.do(method, target, "", HeaderResumable, "")
		require.Equal(t, http.StatusPreconditionFailed, w.Code, method)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.upload("hello")

	w := s.do(http.MethodPut, target, "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = s.do(http.MethodPost, target, "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = s.do(http.MethodGet, "/elsewhere", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMethodOverride(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.upload("hello")

	w := s.do(http.MethodPost, target, "", HeaderOverride, "delete")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodHead, target, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrailingSlash(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.upload("hello")

	w := s.do(http.MethodHead, target+"/", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodPost, "/files/", "", "Upload-Length", "1")
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(http.MethodOptions, "/files", "", "Origin", "https://app.example.com")
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "POST, GET, HEAD, PATCH, DELETE, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Upload-Offset")
	require.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	require.Empty(t, w.Header().Get("Access-Control-Expose-Headers"))

	w = s.do(http.MethodPost, "/files", "", "Origin", "https://app.example.com", "Upload-Length", "3")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Location")
	require.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))

	w = s.do(http.MethodOptions, "/files", "")
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

type recordingSweeper struct{ calls int }

func (r *recordingSweeper) SweepIfDue(context.Context) { r.calls++ }

func TestSweeperTriggeredPerRequest(t *testing.T) {
	sweeper := &recordingSweeper{}
	s := newTestServer(t, Config{Sweeper: sweeper})

	s.do(http.MethodOptions, "/files", "")
	s.do(http.MethodHead, "/files/0123456789abcdef0123456789abcdef", "")
	require.Equal(t, 2, sweeper.calls)
}

func TestMethodLabelsStayBounded(t *testing.T) {
	s := newTestServer(t, Config{})
	target := s.upload("hello")

	s.do(http.MethodPost, target, "", HeaderOverride, "X0")
	requests := testutil.CollectAndCount(requestsTotal)
	errs := testutil.CollectAndCount(errorsTotal)

	for i := 1; i < 50; i++ {
		w := s.do(http.MethodPost, target, "", HeaderOverride, "X"+strconv.Itoa(i))
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	}
	require.Equal(t, requests, testutil.CollectAndCount(requestsTotal))
	require.Equal(t, errs, testutil.CollectAndCount(errorsTotal))
	require.Equal(t, "other", MethodLabel("X7"))
	require.Equal(t, http.MethodPatch, MethodLabel(http.MethodPatch))
}
