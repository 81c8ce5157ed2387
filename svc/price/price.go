package price

import (
	"math/big"

	"nanohost/pkg/domain"
)

const (
	bytesPerGB      = 1_000_000_000
	minutesPerMonth = 30 * 24 * 60
)

// Quoter computes the amount owed to host a file of a given size for a given
// retention window. The function is pure: same inputs, same price. It is
// non-decreasing in both size and retention so a client can never pay less
// by asking for more.
type Quoter struct {
	// Satoshis charged per gigabyte-month of hosting.
	PerGBMonth int64
	// Floor applied to every quote.
	Min int64
}

// Quote returns the price for hosting fileSize bytes for retentionMinutes.
// Both inputs must be positive. big.Int keeps the intermediate
// size x minutes x rate product exact for multi-gigabyte, multi-year quotes;
// a total that does not fit in an int64 is rejected, never wrapped.
func (q Quoter) Quote(fileSize, retentionMinutes int64) (int64, error) {
	if fileSize <= 0 {
		return 0, domain.ErrInvalidSize
	}
	if retentionMinutes <= 0 {
		return 0, domain.ErrInvalidRetentionPeriod
	}
	usage := new(big.Int).Mul(big.NewInt(fileSize), big.NewInt(retentionMinutes))
	usage.Mul(usage, big.NewInt(q.PerGBMonth))
	denom := new(big.Int).Mul(big.NewInt(bytesPerGB), big.NewInt(minutesPerMonth))
	// Ceiling division: never round non-zero usage down to free.
	usage.Add(usage, new(big.Int).Sub(denom, big.NewInt(1)))
	usage.Div(usage, denom)
	total := usage.Add(usage, big.NewInt(q.Min))
	if !total.IsInt64() {
		return 0, domain.ErrInvalidRetentionPeriod
	}
	return total.Int64(), nil
}
