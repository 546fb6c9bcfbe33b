package tus

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"path"
	"strconv"
	"strings"

	"resumable/pkg/logger"
	"resumable/pkg/storage"
)

func (h *Handler) head(w http.ResponseWriter, r *http.Request) {
	if !h.supported(w, r) {
		return
	}

	info, err := h.load(r.Context(), r.PathValue("uid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeInfo(w, info)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// get serves a completed upload. Browsers download through plain links, so
// no protocol version is required.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := r.PathValue("uid")

	info, err := h.load(ctx, uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !info.Completed() {
		h.fail(w, r, errorf(http.StatusForbidden, "Cannot download unfinished upload"))
		return
	}
	size := *info.Length

	if h.cfg.RedirectDownload {
		if urler, ok := h.engine.(storage.URLer); ok {
			link, err := urler.URL(ctx, uid, info)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			http.Redirect(w, r, link, http.StatusFound)
			return
		}
	}

	rng, err := parseRange(r.Header.Get("Range"), size)
	if errors.Is(err, errUnsatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		h.fail(w, r, errorf(http.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable"))
		return
	}
	if err != nil {
		// malformed ranges are ignored
		rng = nil
	}

	// an empty upload has nothing to range over
	var resp *storage.Response
	if size == 0 {
		resp = &storage.Response{ReadCloser: io.NopCloser(strings.NewReader(""))}
	} else {
		resp, err = h.engine.Get(ctx, uid, info, rng)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	defer resp.Close()

	header := w.Header()
	header.Set("Content-Type", contentType(info.Metadata.Lookup("content_type"), info.Metadata.Lookup("filetype")))
	if name := info.Metadata.Lookup("filename"); name != "" {
		header.Set("Content-Disposition", h.disposition(name))
	}
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(resp.Length, 10))

	status := http.StatusOK
	if rng != nil {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, resp); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("uid", uid).Msg("download stream error")
	}
}

func contentType(candidates ...string) string {
	for _, c := range candidates {
		if _, _, err := mime.ParseMediaType(c); c != "" && err == nil {
			return c
		}
	}
	return "application/octet-stream"
}

// disposition renders Content-Disposition for a client supplied filename.
func (h *Handler) disposition(name string) string {
	return fmt.Sprintf(`%s; filename="%s"`, h.cfg.Disposition, sanitizeFilename(name))
}

// sanitizeFilename extracts the base filename, safe for headers.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return '_'
		}
		return r
	}, name)
}

var errUnsatisfiable = errors.New("tus: range not satisfiable")

// parseRange returns the single byte range requested by value. Absent and
// multi-range requests yield nil so the whole content is served.
func parseRange(value string, size int64) (*storage.Range, error) {
	if value == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok {
		return nil, errors.New("tus: invalid range unit")
	}
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	start, end, ok := strings.Cut(textproto.TrimString(spec), "-")
	if !ok {
		return nil, errors.New("tus: invalid range")
	}
	start, end = textproto.TrimString(start), textproto.TrimString(end)

	var rng storage.Range
	if start == "" {
		// suffix range: the last n bytes
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n < 0 {
			return nil, errors.New("tus: invalid range")
		}
		if n == 0 || size == 0 {
			return nil, errUnsatisfiable
		}
		rng.Start = max(size-n, 0)
		rng.End = size - 1
		return &rng, nil
	}

	i, err := strconv.ParseInt(start, 10, 64)
	if err != nil || i < 0 {
		return nil, errors.New("tus: invalid range")
	}
	if i >= size {
		return nil, errUnsatisfiable
	}
	rng.Start = i
	rng.End = size - 1
	if end != "" {
		j, err := strconv.ParseInt(end, 10, 64)
		if err != nil || j < i {
			return nil, errors.New("tus: invalid range")
		}
		rng.End = min(j, size-1)
	}
	return &rng, nil
}
