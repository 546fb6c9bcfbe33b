package tus

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"resumable/pkg/logger"
	"resumable/pkg/storage"
	"resumable/pkg/upload"
)

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	if !h.supported(w, r) {
		return
	}
	ctx := r.Context()

	info, err := upload.FromHeaders(r.Header, h.uploadURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if info.Length != nil && h.cfg.MaxSize > 0 && *info.Length > h.cfg.MaxSize {
		h.fail(w, r, errorf(http.StatusRequestEntityTooLarge, "Upload-Length header too large"))
		return
	}

	uid := upload.NewUID()
	info.Expires = h.expires()

	if info.IsFinal() {
		err = h.concatenate(ctx, uid, info)
	} else {
		err = h.engine.Create(ctx, uid, info)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if info.Completed() && !info.IsFinal() {
		// nothing will ever be appended to an empty upload
		if err := storage.Finalize(ctx, h.engine, uid, info); err != nil {
			h.fail(w, r, err)
			return
		}
		uploadsFinished.WithLabelValues("empty").Inc()
	}

	if err := h.engine.UpdateInfo(ctx, uid, info); err != nil {
		h.fail(w, r, err)
		return
	}

	logger.Ctx(ctx).Debug().Str("uid", uid).Str("concat", info.Concat).Msg("upload created")

	writeInfo(w, info)
	w.Header().Set("Location", h.location(r, uid))
	w.WriteHeader(http.StatusCreated)
}

// concatenate assembles a final upload from its completed partial uploads.
func (h *Handler) concatenate(ctx context.Context, uid string, info *upload.Info) error {
	parts := info.PartialUploads()

	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		if seen[part] {
			return errorf(http.StatusBadRequest, "One or more uploads were listed more than once")
		}
		seen[part] = true
	}

	var total int64
	for _, part := range parts {
		partInfo, err := h.load(ctx, part)
		if errors.Is(err, storage.ErrNotFound) {
			return errorf(http.StatusBadRequest, "%s", storage.ErrMissingParts.Error())
		}
		if err != nil {
			return err
		}
		if !partInfo.IsPartial() {
			return errorf(http.StatusBadRequest, "One or more uploads were not partial")
		}
		if !partInfo.Completed() {
			return errorf(http.StatusBadRequest, "One or more partial uploads were not completed")
		}
		total += *partInfo.Length
	}
	if h.cfg.MaxSize > 0 && total > h.cfg.MaxSize {
		return errorf(http.StatusRequestEntityTooLarge, "The sum of partial upload lengths exceed Tus-Max-Size")
	}

	n, err := h.engine.Concatenate(ctx, uid, parts, info)
	if err != nil {
		return err
	}
	info.SetLength(n)
	info.Offset = n

	uploadsFinished.WithLabelValues("concatenated").Inc()
	logger.Ctx(ctx).Info().Str("uid", uid).Strs("parts", parts).Int64("size", n).Msg("uploads concatenated")
	return nil
}

// location is the absolute URL of uid as seen by the client.
func (h *Handler) location(r *http.Request, uid string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host, _, _ = strings.Cut(fwd, ",")
	}
	return strings.TrimSpace(scheme) + "://" + strings.TrimSpace(host) + h.cfg.BasePath + "/" + uid
}
