package util

import "testing"

func TestWipe_ZeroesBuffer(t *testing.T) {
	b := []byte("sensitive key material")
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, v)
		}
	}
}

func TestWipe_EmptyAndNil(t *testing.T) {
	Wipe(nil)
	Wipe([]byte{})
}
