package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"

	"nanohost/pkg/domain"
)

// PaymentVerifier decides whether a submitted transaction is a valid,
// sufficient payment for an invoiced amount. Deployments that rely on SPV
// or a miner API can substitute their own implementation.
type PaymentVerifier interface {
	Verify(ctx context.Context, rawTxHex string, amount int64) error
}

// OutputVerifier accepts a transaction when the sum of its outputs paying
// the service's own P2PKH script covers the invoiced amount. It does not
// follow inputs or wait for confirmation; broadcastability is the wallet
// collaborator's concern.
type OutputVerifier struct {
	pubKeyHash []byte
}

func NewOutputVerifier(w *Wallet) *OutputVerifier {
	return &OutputVerifier{pubKeyHash: w.PubKeyHash()}
}

func (v *OutputVerifier) Verify(ctx context.Context, rawTxHex string, amount int64) error {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return domain.ErrPaymentInvalid
	}
	outputs, err := parseOutputs(raw)
	if err != nil {
		return domain.ErrPaymentInvalid
	}
	var paid int64
	for _, out := range outputs {
		if v.paysUs(out.script) {
			paid += out.value
		}
	}
	if paid < amount {
		return domain.ErrPaymentInvalid
	}
	return nil
}

// P2PKH: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
func (v *OutputVerifier) paysUs(script []byte) bool {
	if len(script) != 25 {
		return false
	}
	if script[0] != 0x76 || script[1] != 0xa9 || script[2] != 0x14 ||
		script[23] != 0x88 || script[24] != 0xac {
		return false
	}
	return bytes.Equal(script[3:23], v.pubKeyHash)
}

type txOutput struct {
	value  int64
	script []byte
}

// parseOutputs walks the standard serialized transaction layout: version,
// counted inputs, counted outputs, locktime.
func parseOutputs(raw []byte) ([]txOutput, error) {
	r := &txReader{buf: raw}
	if _, err := r.take(4); err != nil { // version
		return nil, err
	}
	inputs, err := r.varInt()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < inputs; i++ {
		if _, err := r.take(36); err != nil { // prev txid + vout
			return nil, err
		}
		scriptLen, err := r.varInt()
		if err != nil {
			return nil, err
		}
		if _, err := r.take(int(scriptLen)); err != nil {
			return nil, err
		}
		if _, err := r.take(4); err != nil { // sequence
			return nil, err
		}
	}
	count, err := r.varInt()
	if err != nil {
		return nil, err
	}
	outputs := make([]txOutput, 0, count)
	for i := uint64(0); i < count; i++ {
		valueBytes, err := r.take(8)
		if err != nil {
			return nil, err
		}
		scriptLen, err := r.varInt()
		if err != nil {
			return nil, err
		}
		script, err := r.take(int(scriptLen))
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, txOutput{
			value:  int64(binary.LittleEndian.Uint64(valueBytes)),
			script: script,
		})
	}
	if _, err := r.take(4); err != nil { // locktime
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, errors.New("trailing bytes after transaction")
	}
	return outputs, nil
}

type txReader struct {
	buf []byte
	pos int
}

func (r *txReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, errors.New("transaction truncated")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *txReader) varInt() (uint64, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	switch b[0] {
	case 0xfd:
		v, err := r.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(v)), nil
	case 0xfe:
		v, err := r.take(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(v)), nil
	case 0xff:
		v, err := r.take(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(v), nil
	default:
		return uint64(b[0]), nil
	}
}
