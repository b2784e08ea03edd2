package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

func TestVersionRoundTrip(t *testing.T) {
	orig := &MsgVersion{
		ProtocolVersion: ProtocolVersion,
		Services:        ServiceNodeNetwork | ServiceNodeWitness,
		Timestamp:       1731259900,
		AddrRecv:        NetAddress{Services: ServiceNodeNetwork, IP: net.ParseIP("203.0.113.7"), Port: 38333},
		AddrFrom:        NetAddress{},
		Nonce:           0xdeadbeef,
		UserAgent:       "/unit-indexer:0.1.0/",
		StartHeight:     1590395,
		Relay:           false,
	}
	payload, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var back MsgVersion
	if err := back.Decode(payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.ProtocolVersion != orig.ProtocolVersion ||
		back.Services != orig.Services ||
		back.Timestamp != orig.Timestamp ||
		back.Nonce != orig.Nonce ||
		back.UserAgent != orig.UserAgent ||
		back.StartHeight != orig.StartHeight ||
		back.Relay != orig.Relay {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if !back.AddrRecv.IP.Equal(orig.AddrRecv.IP) || back.AddrRecv.Port != orig.AddrRecv.Port {
		t.Fatalf("addr_recv mismatch: %+v", back.AddrRecv)
	}
}

func TestVersionDecodeToleratesMissingRelay(t *testing.T) {
	orig := &MsgVersion{ProtocolVersion: 70015, UserAgent: "/old/", Relay: true}
	payload, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var back MsgVersion
	if err := back.Decode(payload[:len(payload)-1]); err != nil {
		t.Fatalf("Decode without relay byte: %v", err)
	}
	if back.Relay {
		t.Fatal("missing relay byte must decode as false")
	}
}

func TestPingRoundTrip(t *testing.T) {
	payload := EncodePing(0x0123456789abcdef)
	nonce, err := DecodePing(payload)
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if nonce != 0x0123456789abcdef {
		t.Fatalf("nonce mismatch: %x", nonce)
	}
	// Pre-BIP31 empty ping.
	if n, err := DecodePing(nil); err != nil || n != 0 {
		t.Fatalf("empty ping: nonce %d, err %v", n, err)
	}
}

func TestGetHeadersEncode(t *testing.T) {
	m := &MsgGetHeaders{
		ProtocolVersion: ProtocolVersion,
		Locator:         []types.Hash{{0x01}, {0x02}},
	}
	payload, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// version(4) + count(1) + 2*32 + stop(32)
	if len(payload) != 4+1+64+32 {
		t.Fatalf("payload length %d", len(payload))
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	h1 := signetGenesisHeader()
	h2 := h1
	h2.PrevBlock = h1.BlockHash()
	h2.Timestamp++

	var buf bytes.Buffer
	_ = WriteVarInt(&buf, 2)
	for _, h := range []BlockHeader{h1, h2} {
		if err := h.Serialize(&buf); err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		_ = WriteVarInt(&buf, 0)
	}

	headers, err := DecodeHeaders(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeHeaders: %v", err)
	}
	if len(headers) != 2 {
		t.Fatalf("got %d headers", len(headers))
	}
	if headers[1].PrevBlock != h1.BlockHash() {
		t.Fatal("header linkage lost in decode")
	}
}

func TestHeadersRejectsNonZeroTxCount(t *testing.T) {
	h := signetGenesisHeader()
	var buf bytes.Buffer
	_ = WriteVarInt(&buf, 1)
	_ = h.Serialize(&buf)
	_ = WriteVarInt(&buf, 1) // bogus tx count

	if _, err := DecodeHeaders(buf.Bytes()); err == nil {
		t.Fatal("expected error for non-zero tx count")
	}
}

func TestInvRoundTrip(t *testing.T) {
	items := []InvVect{
		{Type: InvTypeWitnessBlock, Hash: types.Hash{0xaa}},
		{Type: InvTypeBlock, Hash: types.Hash{0xbb}},
	}
	payload, err := EncodeInv(items)
	if err != nil {
		t.Fatalf("EncodeInv: %v", err)
	}
	back, err := DecodeInv(payload)
	if err != nil {
		t.Fatalf("DecodeInv: %v", err)
	}
	if len(back) != 2 || back[0] != items[0] || back[1] != items[1] {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	blk := &MsgBlock{
		Header:       signetGenesisHeader(),
		Transactions: []MsgTx{*sampleTx()},
	}
	payload, err := blk.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var back MsgBlock
	if err := back.Decode(payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Header != blk.Header {
		t.Fatal("header mismatch")
	}
	if len(back.Transactions) != 1 || back.Transactions[0].TxID() != blk.Transactions[0].TxID() {
		t.Fatal("transaction mismatch")
	}
}
