package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"nanohost/pkg/uhrp"
)

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	wif, err := btcutil.NewWIF(priv, &chaincfg.MainNetParams, true)
	if err != nil {
		t.Fatalf("failed to encode WIF: %v", err)
	}
	w, err := NewWallet(wif.String())
	if err != nil {
		t.Fatalf("NewWallet failed: %v", err)
	}
	return w
}

func testContentURL(t *testing.T, seed string) (string, []byte) {
	t.Helper()
	digest := sha256.Sum256([]byte(seed))
	url, err := uhrp.URLForHash(digest[:])
	if err != nil {
		t.Fatalf("URLForHash failed: %v", err)
	}
	return url, digest[:]
}

// parsePushes walks a data script and returns the pushed fields.
func parsePushes(t *testing.T, script []byte) [][]byte {
	t.Helper()
	if len(script) < 2 || script[0] != 0x00 || script[1] != 0x6a {
		t.Fatalf("script does not start with OP_FALSE OP_RETURN: %x", script[:2])
	}
	var fields [][]byte
	i := 2
	for i < len(script) {
		op := script[i]
		i++
		var n int
		switch {
		case op < 0x4c:
			n = int(op)
		case op == 0x4c:
			n = int(script[i])
			i++
		case op == 0x4d:
			n = int(binary.LittleEndian.Uint16(script[i : i+2]))
			i += 2
		case op == 0x4e:
			n = int(binary.LittleEndian.Uint32(script[i : i+4]))
			i += 4
		default:
			t.Fatalf("unexpected opcode 0x%02x at offset %d", op, i-1)
		}
		if i+n > len(script) {
			t.Fatalf("push of %d bytes overruns script", n)
		}
		fields = append(fields, script[i:i+n])
		i += n
	}
	return fields
}

func TestBuild_FieldOrder(t *testing.T) {
	w := testWallet(t)
	b := NewBuilder(w)
	now := time.Date(2026, 3, 14, 9, 26, 53, 589*int(time.Millisecond), time.UTC)
	b.now = func() time.Time { return now }

	contentURL, digest := testContentURL(t, "file bytes")
	publicURL := "https://files.example.com/cdn/4Xb9piq2yF1A"

	rec, err := b.Build(contentURL, publicURL, 60, 12345)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	fields := parsePushes(t, rec.Script)
	if len(fields) != 7 {
		t.Fatalf("got %d fields, want 7", len(fields))
	}
	if string(fields[0]) != ProtocolMarker {
		t.Errorf("field 0 = %q, want protocol marker", fields[0])
	}
	if string(fields[1]) != w.Address() {
		t.Errorf("field 1 = %q, want publisher address %q", fields[1], w.Address())
	}
	if !bytes.Equal(fields[2], digest) {
		t.Errorf("field 2 is not the raw content digest")
	}
	if string(fields[3]) != "advertise" {
		t.Errorf("field 3 = %q, want advertise", fields[3])
	}
	if string(fields[4]) != publicURL {
		t.Errorf("field 4 = %q, want %q", fields[4], publicURL)
	}
	wantExpiry := now.Add(60 * time.Minute)
	wantSeconds := wantExpiry.UnixMilli() / 1000
	if string(fields[5]) != strconv.FormatInt(wantSeconds, 10) {
		t.Errorf("field 5 = %q, want %d", fields[5], wantSeconds)
	}
	if string(fields[6]) != "12345" {
		t.Errorf("field 6 = %q, want 12345", fields[6])
	}

	if !rec.ExpiryTime.Equal(wantExpiry) {
		t.Errorf("ExpiryTime = %v, want %v", rec.ExpiryTime, wantExpiry)
	}
	if rec.Address != w.Address() {
		t.Errorf("Address = %q, want %q", rec.Address, w.Address())
	}
	if rec.ContentLength != 12345 {
		t.Errorf("ContentLength = %d, want 12345", rec.ContentLength)
	}
}

func TestBuild_ExpiryComputedAtBuildTime(t *testing.T) {
	w := testWallet(t)
	b := NewBuilder(w)
	contentURL, _ := testContentURL(t, "expiry")

	t1 := time.Unix(1_700_000_000, 0)
	t2 := t1.Add(2 * time.Hour)

	b.now = func() time.Time { return t1 }
	rec1, err := b.Build(contentURL, "https://h/cdn/x", 30, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	b.now = func() time.Time { return t2 }
	rec2, err := b.Build(contentURL, "https://h/cdn/x", 30, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !rec2.ExpiryTime.After(rec1.ExpiryTime) {
		t.Error("expiry should move with build time, not quote time")
	}
	if got := rec2.ExpiryTime.Sub(rec1.ExpiryTime); got != 2*time.Hour {
		t.Errorf("expiry delta = %v, want 2h", got)
	}
}

func TestBuild_RejectsBadInputs(t *testing.T) {
	w := testWallet(t)
	b := NewBuilder(w)
	contentURL, _ := testContentURL(t, "bad inputs")

	if _, err := b.Build(contentURL, "https://h/cdn/x", 0, 1); err == nil {
		t.Error("zero retention should fail")
	}
	if _, err := b.Build(contentURL, "https://h/cdn/x", 60, 0); err == nil {
		t.Error("zero content length should fail")
	}
	if _, err := b.Build("not-a-content-url", "https://h/cdn/x", 60, 1); err == nil {
		t.Error("invalid content url should fail")
	}
}

func TestDataScript_PushEncodings(t *testing.T) {
	short := bytes.Repeat([]byte{'a'}, 75)
	mid := bytes.Repeat([]byte{'b'}, 76)
	long := bytes.Repeat([]byte{'c'}, 300)

	script := dataScript([][]byte{short, mid, long})
	fields := parsePushes(t, script)
	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(fields))
	}
	if !bytes.Equal(fields[0], short) || !bytes.Equal(fields[1], mid) || !bytes.Equal(fields[2], long) {
		t.Error("fields did not round-trip through push encoding")
	}

	// 75 bytes is the largest direct push; 76 needs OP_PUSHDATA1 and
	// anything past 255 needs OP_PUSHDATA2.
	if script[2] != 75 {
		t.Errorf("expected direct push opcode 75, got 0x%02x", script[2])
	}
	off := 2 + 1 + 75
	if script[off] != 0x4c || script[off+1] != 76 {
		t.Errorf("expected OP_PUSHDATA1 76, got 0x%02x 0x%02x", script[off], script[off+1])
	}
	off += 2 + 76
	if script[off] != 0x4d {
		t.Errorf("expected OP_PUSHDATA2, got 0x%02x", script[off])
	}
}

func TestTxID_Deterministic(t *testing.T) {
	raw := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	id1 := TxID(raw)
	id2 := TxID(raw)
	if id1 != id2 {
		t.Errorf("TxID not deterministic: %s vs %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Errorf("txid length = %d, want 64 hex chars", len(id1))
	}
}
