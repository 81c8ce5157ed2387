package ledger

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxID renders the canonical hex transaction id for a serialized
// transaction.
func TxID(rawTx []byte) string {
	h := chainhash.DoubleHashH(rawTx)
	return h.String()
}
