package util

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
)

const (
	objectIdentifierBytes = 16
	referenceNumberBytes  = 12
)

// NewObjectIdentifier returns a fresh random, URL-safe object name. 128 bits
// of randomness keeps the collision probability negligible without an
// existence check against storage.
func NewObjectIdentifier() (string, error) {
	return randomBase58(objectIdentifierBytes)
}

// NewReferenceNumber returns a fresh single-use invoice reference.
func NewReferenceNumber() (string, error) {
	return randomBase58(referenceNumberBytes)
}

func randomBase58(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return base58.Encode(buf), nil
}
