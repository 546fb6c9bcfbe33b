// Package upload holds the protocol state of a single resumable upload.
package upload

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Protocol headers carried by an upload.
const (
	HeaderLength      = "Upload-Length"
	HeaderOffset      = "Upload-Offset"
	HeaderDeferLength = "Upload-Defer-Length"
	HeaderMetadata    = "Upload-Metadata"
	HeaderConcat      = "Upload-Concat"
	HeaderExpires     = "Upload-Expires"
)

const (
	ConcatPartial = "partial"
	concatFinal   = "final;"
)

// InvalidHeaderError reports a missing or malformed protocol header.
type InvalidHeaderError struct {
	Header  string
	Reason  string
	Missing bool
}

func (e *InvalidHeaderError) Error() string {
	if e.Missing {
		return fmt.Sprintf("Missing %s header", e.Header)
	}
	if e.Reason == "" {
		return fmt.Sprintf("Invalid %s header", e.Header)
	}
	return fmt.Sprintf("Invalid %s header: %s", e.Header, e.Reason)
}

func invalid(header, reason string) error {
	return &InvalidHeaderError{Header: header, Reason: reason}
}

// Part is one uploaded part of an object-store multipart upload.
type Part struct {
	Number int32  `json:"part_number"`
	ETag   string `json:"etag"`
}

// Multipart is the in-progress multipart upload backing an upload.
type Multipart struct {
	UploadID string `json:"id"`
	Parts    []Part `json:"parts"`
}

// Info is the persisted state of one upload.
type Info struct {
	Length      *int64     `json:"Upload-Length,omitempty"`
	Offset      int64      `json:"Upload-Offset"`
	DeferLength bool       `json:"Upload-Defer-Length,omitempty"`
	Metadata    Metadata   `json:"Upload-Metadata,omitempty"`
	Concat      string     `json:"Upload-Concat,omitempty"`
	Expires     time.Time  `json:"Upload-Expires,omitzero"`
	Multipart   *Multipart `json:"multipart,omitempty"`
}

// FromHeaders builds the info of a new upload from a creation request.
// uploadURL validates the part references of a final concatenation.
func FromHeaders(h http.Header, uploadURL *regexp.Regexp) (*Info, error) {
	info := &Info{}

	concat, err := ParseConcat(h.Get(HeaderConcat), uploadURL)
	if err != nil {
		return nil, err
	}
	info.Concat = concat

	if !info.IsFinal() {
		deferred := h.Get(HeaderDeferLength)
		switch {
		case deferred != "" && h.Get(HeaderLength) != "":
			return nil, invalid(HeaderDeferLength, "cannot be combined with "+HeaderLength)
		case deferred != "":
			if deferred != "1" {
				return nil, invalid(HeaderDeferLength, "")
			}
			info.DeferLength = true
		default:
			length, err := ParseLength(HeaderLength, h.Get(HeaderLength))
			if err != nil {
				return nil, err
			}
			info.Length = &length
		}
	}

	info.Metadata, err = ParseMetadata(h.Get(HeaderMetadata))
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ParseLength parses a non-negative decimal header value.
func ParseLength(header, value string) (int64, error) {
	if value == "" {
		return 0, &InvalidHeaderError{Header: header, Missing: true}
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, invalid(header, "")
		}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, invalid(header, "")
	}
	return n, nil
}

// ParseConcat validates an Upload-Concat value and returns it normalized.
func ParseConcat(value string, uploadURL *regexp.Regexp) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", nil
	case value == ConcatPartial:
		return value, nil
	case strings.HasPrefix(value, concatFinal):
		urls := strings.Fields(strings.TrimPrefix(value, concatFinal))
		if len(urls) == 0 {
			return "", invalid(HeaderConcat, "final concatenation without parts")
		}
		for _, u := range urls {
			if uploadURL != nil && !uploadURL.MatchString(u) {
				return "", invalid(HeaderConcat, "unknown upload URL "+u)
			}
		}
		return concatFinal + strings.Join(urls, " "), nil
	}
	return "", invalid(HeaderConcat, "")
}

func (i *Info) IsPartial() bool { return i.Concat == ConcatPartial }

func (i *Info) IsFinal() bool { return strings.HasPrefix(i.Concat, concatFinal) }

// PartialUploads returns the uids referenced by a final concatenation.
func (i *Info) PartialUploads() []string {
	if !i.IsFinal() {
		return nil
	}
	urls := strings.Fields(strings.TrimPrefix(i.Concat, concatFinal))
	uids := make([]string, 0, len(urls))
	for _, u := range urls {
		uids = append(uids, path.Base(u))
	}
	return uids
}

func (i *Info) HasLength() bool { return i.Length != nil }

// SetLength declares the total length and ends deferral.
func (i *Info) SetLength(n int64) {
	i.Length = &n
	i.DeferLength = false
}

// RemainingLength is Length - Offset; false while the length is deferred.
func (i *Info) RemainingLength() (int64, bool) {
	if i.Length == nil {
		return 0, false
	}
	return *i.Length - i.Offset, true
}

// Completed reports whether every declared byte has been received.
func (i *Info) Completed() bool {
	return i.Length != nil && i.Offset == *i.Length
}

func (i *Info) Expired(now time.Time) bool {
	return !i.Expires.IsZero() && now.After(i.Expires)
}

// Headers renders the protocol headers describing the upload.
func (i *Info) Headers() http.Header {
	h := http.Header{}
	if i.Length != nil {
		h.Set(HeaderLength, strconv.FormatInt(*i.Length, 10))
	}
	if i.DeferLength {
		h.Set(HeaderDeferLength, "1")
	}
	h.Set(HeaderOffset, strconv.FormatInt(i.Offset, 10))
	if len(i.Metadata) > 0 {
		h.Set(HeaderMetadata, i.Metadata.String())
	}
	if i.Concat != "" {
		h.Set(HeaderConcat, i.Concat)
	}
	if !i.Expires.IsZero() {
		h.Set(HeaderExpires, i.Expires.UTC().Format(http.TimeFormat))
	}
	return h
}
