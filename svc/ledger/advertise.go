package ledger

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"nanohost/pkg/uhrp"
)

// ProtocolMarker is the first field of every advertisement output.
// Downstream resolvers parse the remaining fields positionally, so the
// order in Build is fixed.
const ProtocolMarker = "1UHRPYnMHPuQ5Tgb3AF8JXqwKkmZVy5hG"

const advertiseTag = "advertise"

// Record is a broadcast-ready advertisement: the ordered on-ledger fields
// serialized into a zero-value data output script.
type Record struct {
	Address       string
	Hash          []byte
	URL           string
	ExpiryTime    time.Time
	ContentLength int64
	Script        []byte
}

// Builder assembles advertisement records for one publisher identity.
type Builder struct {
	wallet *Wallet
	now    func() time.Time
}

func NewBuilder(w *Wallet) *Builder {
	return &Builder{wallet: w, now: time.Now}
}

// Build assembles the canonical record for hosting contentURL at publicURL
// for retentionMinutes. Expiry is absolute, computed here at build time and
// floored to whole seconds on the wire. Building touches nothing outside
// the returned record.
func (b *Builder) Build(contentURL, publicURL string, retentionMinutes, contentLength int64) (*Record, error) {
	if retentionMinutes <= 0 {
		return nil, errors.New("retention minutes must be positive")
	}
	if contentLength <= 0 {
		return nil, errors.New("content length must be positive")
	}
	hash, err := uhrp.HashFromURL(contentURL)
	if err != nil {
		return nil, errors.Wrap(err, "resolve content hash")
	}
	expiry := b.now().Add(time.Duration(retentionMinutes) * time.Minute)
	expirySeconds := expiry.UnixMilli() / 1000

	fields := [][]byte{
		[]byte(ProtocolMarker),
		[]byte(b.wallet.Address()),
		hash,
		[]byte(advertiseTag),
		[]byte(publicURL),
		[]byte(strconv.FormatInt(expirySeconds, 10)),
		[]byte(strconv.FormatInt(contentLength, 10)),
	}
	return &Record{
		Address:       b.wallet.Address(),
		Hash:          hash,
		URL:           publicURL,
		ExpiryTime:    expiry,
		ContentLength: contentLength,
		Script:        dataScript(fields),
	}, nil
}

// dataScript serializes fields into an unspendable zero-value data output:
// OP_FALSE OP_RETURN followed by one push per field.
func dataScript(fields [][]byte) []byte {
	const (
		opFalse     = 0x00
		opReturn    = 0x6a
		opPushData1 = 0x4c
		opPushData2 = 0x4d
		opPushData4 = 0x4e
	)
	script := []byte{opFalse, opReturn}
	for _, f := range fields {
		switch n := len(f); {
		case n < int(opPushData1):
			script = append(script, byte(n))
		case n <= 0xff:
			script = append(script, opPushData1, byte(n))
		case n <= 0xffff:
			script = append(script, opPushData2)
			script = binary.LittleEndian.AppendUint16(script, uint16(n))
		default:
			script = append(script, opPushData4)
			script = binary.LittleEndian.AppendUint32(script, uint32(n))
		}
		script = append(script, f...)
	}
	return script
}
