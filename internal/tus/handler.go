// Package tus serves the tus 1.0.0 resumable upload protocol over a
// storage.Engine.
package tus

import (
	"cmp"
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"resumable/pkg/checksum"
	"resumable/pkg/storage"
	"resumable/pkg/upload"
)

// Protocol constants.
const (
	Version       = "1.0.0"
	Extensions    = "creation,creation-defer-length,termination,expiration,concatenation,checksum"
	ContentType   = "application/offset+octet-stream"
	StatusInvalid = 460 // checksum mismatch

	HeaderResumable  = "Tus-Resumable"
	HeaderVersion    = "Tus-Version"
	HeaderExtension  = "Tus-Extension"
	HeaderMaxSize    = "Tus-Max-Size"
	HeaderAlgorithms = "Tus-Checksum-Algorithm"
	HeaderChecksum   = "Upload-Checksum"
	HeaderOverride   = "X-HTTP-Method-Override"
)

// Defaults applied by New.
const (
	DefaultBasePath    = "/files"
	DefaultMaxSize     = 1 << 30
	DefaultExpiration  = 7 * 24 * time.Hour
	DefaultDisposition = "attachment"
)

// Sweeper is triggered at the start of every request.
type Sweeper interface {
	SweepIfDue(ctx context.Context)
}

// Config is the immutable configuration of a Handler.
type Config struct {
	// BasePath is where uploads are mounted, "/files" by default.
	BasePath string
	// MaxSize bounds every upload. Negative means unlimited.
	MaxSize int64
	// Expiration is how long an upload lives after its last change.
	Expiration time.Duration
	// Disposition of downloads, "attachment" or "inline".
	Disposition string
	// RedirectDownload sends clients to a presigned URL when the engine
	// supports it.
	RedirectDownload bool
	Sweeper          Sweeper
}

// Handler implements the protocol state machine.
type Handler struct {
	engine    storage.Engine
	cfg       Config
	uploadURL *regexp.Regexp
	mux       *http.ServeMux
	now       func() time.Time
}

// New returns the protocol handler for engine.
func New(engine storage.Engine, cfg Config) *Handler {
	cfg.BasePath = "/" + strings.Trim(cmp.Or(cfg.BasePath, DefaultBasePath), "/")
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	cfg.Expiration = cmp.Or(cfg.Expiration, DefaultExpiration)
	cfg.Disposition = cmp.Or(cfg.Disposition, DefaultDisposition)

	h := &Handler{
		engine:    engine,
		cfg:       cfg,
		uploadURL: upload.URLPattern(cfg.BasePath),
		mux:       http.NewServeMux(),
		now:       time.Now,
	}

	base := cfg.BasePath
	h.mux.HandleFunc("OPTIONS "+base, h.options)
	h.mux.HandleFunc("OPTIONS "+base+"/{uid}", h.options)
	h.mux.HandleFunc("POST "+base, h.create)
	h.mux.HandleFunc("HEAD "+base+"/{uid}", h.head)
	h.mux.HandleFunc("PATCH "+base+"/{uid}", h.patch)
	h.mux.HandleFunc("GET "+base+"/{uid}", h.get)
	h.mux.HandleFunc("DELETE "+base+"/{uid}", h.delete)
	return h
}

// BasePath is the normalized mount point of uploads.
func (h *Handler) BasePath() string {
	return h.cfg.BasePath
}

// ServeHTTP sets the headers every response carries and dispatches by method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if override := r.Header.Get(HeaderOverride); override != "" {
		r.Method = strings.ToUpper(override)
	}
	if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
		r.URL.Path = strings.TrimRight(p, "/")
	}

	if h.cfg.Sweeper != nil {
		h.cfg.Sweeper.SweepIfDue(r.Context())
	}

	w.Header().Set(HeaderResumable, Version)
	h.cors(w, r)

	requestsTotal.WithLabelValues(MethodLabel(r.Method)).Inc()
	h.mux.ServeHTTP(w, r)
}

// supported rejects requests without a protocol version this server speaks.
func (h *Handler) supported(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get(HeaderResumable) != Version {
		h.fail(w, r, errorf(http.StatusPreconditionFailed, "Unsupported version"))
		return false
	}
	return true
}

func (h *Handler) options(w http.ResponseWriter, _ *http.Request) {
	header := w.Header()
	header.Set(HeaderVersion, Version)
	header.Set(HeaderExtension, Extensions)
	header.Set(HeaderAlgorithms, strings.Join(checksum.Algorithms, ","))
	if h.cfg.MaxSize > 0 {
		header.Set(HeaderMaxSize, strconv.FormatInt(h.cfg.MaxSize, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

// load returns the info of uid, or ErrNotFound for malformed, unknown and
// expired uploads.
func (h *Handler) load(ctx context.Context, uid string) (*upload.Info, error) {
	if !upload.ValidUID(uid) {
		return nil, storage.ErrNotFound
	}
	info, err := h.engine.ReadInfo(ctx, uid)
	if err != nil {
		return nil, err
	}
	if info.Expired(h.now()) {
		return nil, storage.ErrNotFound
	}
	return info, nil
}

// expires is the expiration of an upload changed now.
func (h *Handler) expires() time.Time {
	return h.now().Add(h.cfg.Expiration).UTC().Truncate(time.Second)
}

func writeInfo(w http.ResponseWriter, info *upload.Info) {
	for k, v := range info.Headers() {
		w.Header()[k] = v
	}
}
