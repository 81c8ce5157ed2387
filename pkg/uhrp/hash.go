package uhrp

import (
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

// HashStream digests r incrementally and returns the 32-byte digest plus the
// number of bytes consumed. Nothing is buffered beyond the copy window, so
// object size is bounded only by the caller's policy. Any read error aborts
// with no partial digest.
func HashStream(r io.Reader) ([]byte, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, 0, errors.Wrap(err, "hash stream")
	}
	return h.Sum(nil), n, nil
}

// URLForStream digests r and renders the canonical content URL in one pass.
func URLForStream(r io.Reader) (string, int64, error) {
	hash, n, err := HashStream(r)
	if err != nil {
		return "", 0, err
	}
	url, err := URLForHash(hash)
	if err != nil {
		return "", 0, err
	}
	return url, n, nil
}
