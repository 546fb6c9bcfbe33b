package tus

import (
	"context"
	"io"
	"net/http"

	"resumable/pkg/checksum"
	"resumable/pkg/logger"
	"resumable/pkg/storage"
	"resumable/pkg/upload"
)

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	if !h.supported(w, r) {
		return
	}
	// A client going away ends the body; what was accepted is still recorded.
	ctx := context.WithoutCancel(r.Context())
	uid := r.PathValue("uid")

	info, err := h.load(ctx, uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validatePatch(r, info); err != nil {
		h.fail(w, r, err)
		return
	}

	remaining, known := info.RemainingLength()
	if !known {
		remaining = -1
		if h.cfg.MaxSize > 0 {
			remaining = h.cfg.MaxSize - info.Offset
		}
	}
	if remaining >= 0 && r.ContentLength > remaining {
		h.fail(w, r, errorf(http.StatusRequestEntityTooLarge, "Size of this chunk surpasses Upload-Length"))
		return
	}

	body, err := h.body(r, remaining)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer body.Close()

	n, err := h.engine.Patch(ctx, uid, body, info)
	if n > 0 {
		info.Offset += n
		bytesReceived.Add(float64(n))
	}
	if err != nil {
		if n > 0 {
			if updateErr := h.engine.UpdateInfo(ctx, uid, info); updateErr != nil {
				logger.Ctx(ctx).Error().Err(updateErr).Str("uid", uid).Msg("record partial progress")
			}
		}
		h.fail(w, r, err)
		return
	}
	if cause := body.Interrupted(); cause != nil {
		interruptedPatches.Inc()
		logger.Ctx(ctx).Warn().Err(cause).Str("uid", uid).Int64("offset", info.Offset).Msg("request body interrupted")
	}

	info.Expires = h.expires()
	if info.Completed() {
		if err := storage.Finalize(ctx, h.engine, uid, info); err != nil {
			h.fail(w, r, err)
			return
		}
		uploadsFinished.WithLabelValues("patched").Inc()
	}
	if err := h.engine.UpdateInfo(ctx, uid, info); err != nil {
		h.fail(w, r, err)
		return
	}

	writeInfo(w, info)
	w.WriteHeader(http.StatusNoContent)
}

// validatePatch checks the request headers against the current state and
// resolves a deferred length. Nothing is read from the body.
func (h *Handler) validatePatch(r *http.Request, info *upload.Info) error {
	if r.Header.Get("Content-Type") != ContentType {
		return errorf(http.StatusUnsupportedMediaType, "Invalid Content-Type header")
	}

	offset, err := upload.ParseLength(upload.HeaderOffset, r.Header.Get(upload.HeaderOffset))
	if err != nil {
		return err
	}
	if offset != info.Offset {
		return errorf(http.StatusConflict, "Upload-Offset header doesn't match current offset")
	}

	if info.IsFinal() {
		return errorf(http.StatusForbidden, "Cannot modify a final upload")
	}

	if !info.HasLength() && r.Header.Get(upload.HeaderLength) != "" {
		length, err := upload.ParseLength(upload.HeaderLength, r.Header.Get(upload.HeaderLength))
		if err != nil {
			return err
		}
		if length < info.Offset {
			return errorf(http.StatusBadRequest, "Upload-Length header is smaller than the current offset")
		}
		if h.cfg.MaxSize > 0 && length > h.cfg.MaxSize {
			return errorf(http.StatusBadRequest, "Upload-Length header too large")
		}
		info.SetLength(length)
	}

	if info.Completed() {
		return errorf(http.StatusForbidden, "Cannot modify completed upload")
	}

	if value := r.Header.Get(HeaderChecksum); value != "" {
		if _, _, err := checksum.ParseHeader(value); err != nil {
			return err
		}
	}
	return nil
}

// patchBody is the reader handed to the engine.
type patchBody interface {
	io.ReadCloser
	Interrupted() error
}

type streamBody struct {
	*upload.Input
}

// Close leaves the request body to net/http.
func (streamBody) Close() error { return nil }

// body returns the request body bounded by remaining. A body that carries a
// checksum, or whose size is unknown while a bound applies, is spooled first
// so a rejected body never reaches storage.
func (h *Handler) body(r *http.Request, remaining int64) (patchBody, error) {
	value := r.Header.Get(HeaderChecksum)
	if value == "" && (r.ContentLength >= 0 || remaining < 0) {
		return streamBody{upload.NewInput(r.Body, remaining)}, nil
	}

	spooled, err := upload.Spool(r.Body, remaining)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return spooled, nil
	}

	algorithm, digest, err := checksum.ParseHeader(value)
	if err == nil {
		var ok bool
		ok, err = checksum.Matches(algorithm, digest, spooled)
		if err == nil && !ok {
			err = errorf(StatusInvalid, "Upload-Checksum value doesn't match generated checksum")
		}
	}
	if err != nil {
		spooled.Close()
		return nil, err
	}
	return spooled, nil
}

var _ patchBody = (*upload.Spooled)(nil)
