package wire

import (
	"bytes"
	"testing"
)

func TestVarIntRoundTrip(t *testing.T) {
	cases := []struct {
		value uint64
		width int
	}{
		{0, 1},
		{0xfc, 1},
		{0xfd, 3},
		{0xffff, 3},
		{0x10000, 5},
		{0xffffffff, 5},
		{0x100000000, 9},
		{0xffffffffffffffff, 9},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if err := WriteVarInt(&buf, c.value); err != nil {
			t.Fatalf("WriteVarInt(%d): %v", c.value, err)
		}
		if buf.Len() != c.width {
			t.Errorf("WriteVarInt(%d): width %d, want %d", c.value, buf.Len(), c.width)
		}
		got, err := ReadVarInt(&buf)
		if err != nil {
			t.Fatalf("ReadVarInt(%d): %v", c.value, err)
		}
		if got != c.value {
			t.Errorf("round trip %d: got %d", c.value, got)
		}
	}
}

func TestVarIntRejectsNonCanonical(t *testing.T) {
	cases := [][]byte{
		{0xfd, 0x10, 0x00},                                     // 16 fits in one byte
		{0xfe, 0xff, 0xff, 0x00, 0x00},                         // 65535 fits in 0xfd form
		{0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00}, // fits in 0xfe form
	}
	for _, c := range cases {
		if _, err := ReadVarInt(bytes.NewReader(c)); err == nil {
			t.Errorf("ReadVarInt(% x): expected non-canonical error", c)
		}
	}
}

func TestVarBytesBounds(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteVarBytes(&buf, make([]byte, 600)); err != nil {
		t.Fatalf("WriteVarBytes: %v", err)
	}
	if _, err := ReadVarBytes(bytes.NewReader(buf.Bytes()), 512); err == nil {
		t.Fatal("expected length-limit error")
	}
	if got, err := ReadVarBytes(bytes.NewReader(buf.Bytes()), 1024); err != nil || len(got) != 600 {
		t.Fatalf("ReadVarBytes: got %d bytes, err %v", len(got), err)
	}
}

func TestVarStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	const ua = "/unit-indexer:0.1.0/"
	if err := WriteVarString(&buf, ua); err != nil {
		t.Fatalf("WriteVarString: %v", err)
	}
	got, err := ReadVarString(&buf, 256)
	if err != nil {
		t.Fatalf("ReadVarString: %v", err)
	}
	if got != ua {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDoubleSHA256(t *testing.T) {
	// sha256d("hello") is a well-known vector. The raw digest bytes are
	// the wire order; String() renders them reversed.
	h := DoubleSHA256([]byte("hello"))
	const digest = "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	const display = "503d8319a48348cdc610a582f7bf754b5833df65038606eb48510790dfc99595"
	if hexOf(h[:]) != digest {
		t.Fatalf("sha256d digest mismatch: %s", hexOf(h[:]))
	}
	if h.String() != display {
		t.Fatalf("display order mismatch: %s", h.String())
	}
}

func hexOf(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, digits[x>>4], digits[x&0x0f])
	}
	return string(out)
}
