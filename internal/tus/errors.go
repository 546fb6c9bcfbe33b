package tus

import (
	"errors"
	"fmt"
	"net/http"

	"resumable/pkg/checksum"
	"resumable/pkg/logger"
	"resumable/pkg/storage"
	"resumable/pkg/upload"

	"github.com/getsentry/sentry-go"
)

// Error is a protocol error answered with Status and a plain text Message.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// asError maps err to the response it deserves. Unknown errors become 500.
func asError(err error) (*Error, bool) {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr, true
	}

	var headerErr *upload.InvalidHeaderError
	switch {
	case errors.As(err, &headerErr):
		return errorf(http.StatusBadRequest, "%s", headerErr.Error()), true
	case errors.Is(err, storage.ErrNotFound):
		return errorf(http.StatusNotFound, "Upload not found"), true
	case errors.Is(err, storage.ErrMissingParts):
		return errorf(http.StatusBadRequest, "%s", storage.ErrMissingParts.Error()), true
	case errors.Is(err, storage.ErrTooLarge):
		return errorf(http.StatusRequestEntityTooLarge, "Upload-Length header too large"), true
	case errors.Is(err, upload.ErrMaxSizeExceeded):
		return errorf(http.StatusRequestEntityTooLarge, "Size of this chunk surpasses Upload-Length"), true
	case errors.Is(err, checksum.ErrUnsupportedAlgorithm), errors.Is(err, checksum.ErrMalformedHeader):
		return errorf(http.StatusBadRequest, "Invalid Upload-Checksum header"), true
	}
	return errorf(http.StatusInternalServerError, "Internal server error"), false
}

// fail writes the response for err. HEAD responses carry no body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e, known := asError(err)
	if !known {
		logger.Ctx(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")

		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureException(err)
	}
	errorsTotal.WithLabelValues(MethodLabel(r.Method), fmt.Sprint(e.Status)).Inc()

	if e.Status == http.StatusPreconditionFailed {
		w.Header().Set(HeaderVersion, Version)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(e.Status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Status)
	fmt.Fprintln(w, e.Message)
}
