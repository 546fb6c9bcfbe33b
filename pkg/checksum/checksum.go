// Package checksum computes Upload-Checksum digests.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrUnsupportedAlgorithm = errors.New("checksum: unsupported algorithm")
	ErrMalformedHeader      = errors.New("checksum: malformed header")
)

// Algorithms lists the supported algorithm names in advertised order.
var Algorithms = []string{"sha1", "sha256", "sha384", "sha512", "md5", "crc32", "blake2b"}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	case "md5":
		return md5.New(), nil
	case "crc32":
		return crc32.NewIEEE(), nil
	case "blake2b":
		return blake2b.New512(nil)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
}

// Supported reports whether algorithm can be used.
func Supported(algorithm string) bool {
	_, err := newHash(algorithm)
	return err == nil
}

// Generate returns the base64 digest of r and rewinds it so the same bytes can
// be stored afterwards.
//
// crc32 digests are the base64 of the decimal checksum, the form existing
// clients of this server send.
func Generate(algorithm string, r io.ReadSeeker) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum: read: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("checksum: rewind: %w", err)
	}

	if crc, ok := h.(hash.Hash32); ok {
		return base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(uint64(crc.Sum32()), 10))), nil
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Matches reports whether the digest of r equals expected. r is rewound.
func Matches(algorithm, expected string, r io.ReadSeeker) (bool, error) {
	digest, err := Generate(algorithm, r)
	if err != nil {
		return false, err
	}
	return digest == expected, nil
}

// ParseHeader splits an Upload-Checksum value into algorithm and digest.
func ParseHeader(value string) (algorithm, digest string, err error) {
	algorithm, digest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || algorithm == "" || digest == "" {
		return "", "", ErrMalformedHeader
	}
	if !Supported(algorithm) {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return algorithm, digest, nil
}
