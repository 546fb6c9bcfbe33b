package server

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"resumable/internal/tus"
	"resumable/pkg/logger"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type middleware func(next http.Handler) http.Handler

func handle(mux *http.ServeMux, pattern string, handler http.Handler, middlewares ...middleware) {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](http.Handler(handler))
	}
	mux.Handle(pattern, handler)
}

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "resumable",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Duration of upload requests by method and status code.",
	Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
}, []string{"method", "code"})

// statusRecorder captures what the wrapped handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// requestLogger attaches a request scoped logger and logs every request once
// it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := logger.With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Logger()
		r = r.WithContext(logger.WithLogger(r.Context(), &l))

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		l.Info().
			Int("status", rec.code()).
			Int64("bytes", rec.bytes).
			Int64("received", r.ContentLength).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// recoverer turns a panicking handler into a 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			logger.Ctx(r.Context()).Error().
				Interface("panic", rv).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// sentryMiddleware puts a hub on the request context and reports panics
// before they reach recoverer.
func sentryMiddleware(next http.Handler) http.Handler {
	return sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	}).Handle(next)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		requestDuration.WithLabelValues(tus.MethodLabel(r.Method), strconv.Itoa(rec.code())).Observe(time.Since(start).Seconds())

		if rec.code() >= http.StatusInternalServerError {
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.Scope().SetTag("status", strconv.Itoa(rec.code()))
			}
		}
	})
}
