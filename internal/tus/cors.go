package tus

import (
	"net/http"
	"strings"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodPost, http.MethodGet, http.MethodHead, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ", ")

	corsAllowHeaders = strings.Join([]string{
		"Origin", "X-Requested-With", "Content-Type", "Upload-Length", "Upload-Offset",
		HeaderResumable, "Upload-Metadata", "Upload-Defer-Length", "Upload-Concat", HeaderChecksum,
		HeaderOverride,
	}, ", ")

	corsExposeHeaders = strings.Join([]string{
		"Upload-Offset", "Location", "Upload-Length", HeaderVersion, HeaderResumable, HeaderMaxSize,
		HeaderExtension, "Upload-Metadata", "Upload-Defer-Length", "Upload-Concat", "Upload-Expires",
		HeaderAlgorithms, "Content-Range", "Accept-Ranges",
	}, ", ")
)

// cors answers browsers. Requests without Origin are left alone.
func (h *Handler) cors(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	header := w.Header()
	header.Set("Access-Control-Allow-Origin", origin)
	header.Add("Vary", "Origin")

	if r.Method == http.MethodOptions {
		header.Set("Access-Control-Allow-Methods", corsMethods)
		header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		header.Set("Access-Control-Max-Age", "86400")
		return
	}
	header.Set("Access-Control-Expose-Headers", corsExposeHeaders)
}
