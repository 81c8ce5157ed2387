// Package uhrp implements the content-identifier scheme used in hosting
// advertisements: a SHA-256 digest of the exact byte sequence of a file,
// rendered as a Base58Check URL. Two byte-identical files always map to the
// same URL, and the URL decodes back to the raw digest.
package uhrp

import (
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
)

// Two-byte version prefix of the URL scheme. The first byte rides in the
// Base58Check version slot, the second is prepended to the digest payload.
const (
	urlVersion    byte = 0xce
	urlSubVersion byte = 0x00
)

const HashLen = 32

// URLForHash renders a 32-byte digest as a canonical content URL.
func URLForHash(hash []byte) (string, error) {
	if len(hash) != HashLen {
		return "", errors.Errorf("hash must be %d bytes, got %d", HashLen, len(hash))
	}
	payload := make([]byte, 0, HashLen+1)
	payload = append(payload, urlSubVersion)
	payload = append(payload, hash...)
	return base58.CheckEncode(payload, urlVersion), nil
}

// HashFromURL recovers the raw digest from a content URL. It rejects
// checksum failures and unknown scheme versions.
func HashFromURL(url string) ([]byte, error) {
	payload, version, err := base58.CheckDecode(url)
	if err != nil {
		return nil, errors.Wrap(err, "decode content url")
	}
	if version != urlVersion {
		return nil, errors.Errorf("unsupported content url version 0x%02x", version)
	}
	if len(payload) != HashLen+1 || payload[0] != urlSubVersion {
		return nil, errors.New("malformed content url payload")
	}
	return payload[1:], nil
}
