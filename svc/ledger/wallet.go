// Package ledger builds content-availability advertisements and publishes
// them: a funding/signing wallet collaborator assembles the low-level
// transaction around the record's data output, and bridge endpoints mirror
// the result for auxiliary lookup services.
package ledger

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
)

// Wallet holds the service's long-lived signing key. The publisher address
// in every advertisement is derived deterministically from it.
type Wallet struct {
	wif     *btcutil.WIF
	address *btcutil.AddressPubKeyHash
}

func NewWallet(wifStr string) (*Wallet, error) {
	if wifStr == "" {
		return nil, errors.New("signing key is empty")
	}
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, errors.Wrap(err, "decode signing key")
	}
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(wif.SerializePubKey()),
		&chaincfg.MainNetParams,
	)
	if err != nil {
		return nil, errors.Wrap(err, "derive publisher address")
	}
	return &Wallet{wif: wif, address: addr}, nil
}

// Address is the base58 publisher address embedded in advertisements.
func (w *Wallet) Address() string {
	return w.address.EncodeAddress()
}

// PubKeyHash is the 20-byte hash the payment verifier matches outputs
// against.
func (w *Wallet) PubKeyHash() []byte {
	return w.address.ScriptAddress()
}

// WIF exposes the encoded signing key for the submission collaborator.
func (w *Wallet) WIF() string {
	return w.wif.String()
}
