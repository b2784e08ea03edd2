package types

import (
	"encoding/json"
	"testing"
)

func TestHexToHashRoundTrip(t *testing.T) {
	const s = "000000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef"
	h, err := HexToHash(s)
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	if h.String() != s {
		t.Fatalf("round trip mismatch: got %s, want %s", h.String(), s)
	}
	// Wire order is reversed: the display suffix is the first wire byte.
	if h[0] != 0xef {
		t.Fatalf("expected wire byte 0 = 0xef, got %02x", h[0])
	}
}

func TestHexToHashRejectsBadInput(t *testing.T) {
	cases := []string{
		"zz",
		"abcd",
		"000000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef00",
	}
	for _, c := range cases {
		if _, err := HexToHash(c); err == nil {
			t.Errorf("HexToHash(%q): expected error", c)
		}
	}
}

func TestHashJSON(t *testing.T) {
	const s = "5cf294850000000000000000000000000000000000000000000000000000046c"
	h, err := HexToHash(s)
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != h {
		t.Fatalf("JSON round trip mismatch")
	}
}

func TestIsZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Fatal("zero hash should report IsZero")
	}
	h[31] = 1
	if h.IsZero() {
		t.Fatal("non-zero hash should not report IsZero")
	}
}
