package tus

import (
	"net/http"

	"resumable/pkg/logger"
)

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if !h.supported(w, r) {
		return
	}
	ctx := r.Context()
	uid := r.PathValue("uid")

	info, err := h.load(ctx, uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.engine.Delete(ctx, uid, info); err != nil {
		h.fail(w, r, err)
		return
	}

	logger.Ctx(ctx).Debug().Str("uid", uid).Msg("upload terminated")
	w.WriteHeader(http.StatusNoContent)
}
