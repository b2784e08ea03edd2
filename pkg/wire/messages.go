package wire

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

// ProtocolVersion is the protocol version advertised in our version message.
const ProtocolVersion uint32 = 70016

// Service flag bits.
const (
	ServiceNodeNetwork uint64 = 1 << 0
	ServiceNodeWitness uint64 = 1 << 3
)

// Inventory type identifiers for inv/getdata.
const (
	InvTypeBlock        uint32 = 2
	InvWitnessFlag      uint32 = 1 << 30
	InvTypeWitnessBlock uint32 = InvTypeBlock | InvWitnessFlag
)

// maxInvItems is the protocol cap on inventory vectors per message.
const maxInvItems = 50_000

// maxHeadersPerMsg is the protocol cap on headers per headers message.
const maxHeadersPerMsg = 2000

// maxLocatorHashes bounds a block locator.
const maxLocatorHashes = 101

// NetAddress is the (services, ip, port) triple embedded in version
// messages. The timestamp prefix used elsewhere is omitted there.
type NetAddress struct {
	Services uint64
	IP       net.IP
	Port     uint16
}

func (na *NetAddress) serialize(w io.Writer) error {
	if err := writeUint64LE(w, na.Services); err != nil {
		return err
	}
	var ip [16]byte
	if na.IP != nil {
		copy(ip[:], na.IP.To16())
	}
	if _, err := w.Write(ip[:]); err != nil {
		return err
	}
	// Port is big-endian, unlike every other integer on the wire.
	_, err := w.Write([]byte{byte(na.Port >> 8), byte(na.Port)})
	return err
}

func (na *NetAddress) deserialize(r io.Reader) error {
	var err error
	if na.Services, err = readUint64LE(r); err != nil {
		return err
	}
	var ip [16]byte
	if _, err := io.ReadFull(r, ip[:]); err != nil {
		return err
	}
	na.IP = net.IP(ip[:])
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return err
	}
	na.Port = uint16(port[0])<<8 | uint16(port[1])
	return nil
}

// MsgVersion is the handshake opener.
type MsgVersion struct {
	ProtocolVersion uint32
	Services        uint64
	Timestamp       int64
	AddrRecv        NetAddress
	AddrFrom        NetAddress
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

// Encode serializes the version payload.
func (m *MsgVersion) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32LE(&buf, m.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := writeUint64LE(&buf, m.Services); err != nil {
		return nil, err
	}
	if err := writeUint64LE(&buf, uint64(m.Timestamp)); err != nil {
		return nil, err
	}
	if err := m.AddrRecv.serialize(&buf); err != nil {
		return nil, err
	}
	if err := m.AddrFrom.serialize(&buf); err != nil {
		return nil, err
	}
	if err := writeUint64LE(&buf, m.Nonce); err != nil {
		return nil, err
	}
	if err := WriteVarString(&buf, m.UserAgent); err != nil {
		return nil, err
	}
	if err := writeUint32LE(&buf, uint32(m.StartHeight)); err != nil {
		return nil, err
	}
	relay := byte(0)
	if m.Relay {
		relay = 1
	}
	buf.WriteByte(relay)
	return buf.Bytes(), nil
}

// Decode parses a version payload. The trailing relay flag is optional
// for old peers.
func (m *MsgVersion) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.ProtocolVersion, err = readUint32LE(r); err != nil {
		return err
	}
	if m.Services, err = readUint64LE(r); err != nil {
		return err
	}
	ts, err := readUint64LE(r)
	if err != nil {
		return err
	}
	m.Timestamp = int64(ts)
	if err := m.AddrRecv.deserialize(r); err != nil {
		return err
	}
	if err := m.AddrFrom.deserialize(r); err != nil {
		return err
	}
	if m.Nonce, err = readUint64LE(r); err != nil {
		return err
	}
	if m.UserAgent, err = ReadVarString(r, 256); err != nil {
		return err
	}
	sh, err := readUint32LE(r)
	if err != nil {
		return err
	}
	m.StartHeight = int32(sh)
	var relay [1]byte
	if _, err := io.ReadFull(r, relay[:]); err == nil {
		m.Relay = relay[0] != 0
	}
	return nil
}

// EncodePing encodes a ping or pong payload (8-byte nonce).
func EncodePing(nonce uint64) []byte {
	var buf bytes.Buffer
	_ = writeUint64LE(&buf, nonce)
	return buf.Bytes()
}

// DecodePing decodes a ping or pong payload. Empty payloads (pre-BIP31)
// decode to nonce zero.
func DecodePing(payload []byte) (uint64, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	return readUint64LE(bytes.NewReader(payload))
}

// MsgGetHeaders asks a peer for headers after the locator.
type MsgGetHeaders struct {
	ProtocolVersion uint32
	Locator         []types.Hash
	StopHash        types.Hash
}

// Encode serializes the getheaders payload.
func (m *MsgGetHeaders) Encode() ([]byte, error) {
	if len(m.Locator) > maxLocatorHashes {
		return nil, fmt.Errorf("locator has %d hashes, limit %d", len(m.Locator), maxLocatorHashes)
	}
	var buf bytes.Buffer
	if err := writeUint32LE(&buf, m.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := WriteVarInt(&buf, uint64(len(m.Locator))); err != nil {
		return nil, err
	}
	for _, h := range m.Locator {
		if err := writeHash(&buf, h); err != nil {
			return nil, err
		}
	}
	if err := writeHash(&buf, m.StopHash); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHeaders parses a headers payload: var_int count, then for each
// header the 80 bytes followed by a var_int tx count (always zero).
func DecodeHeaders(payload []byte) ([]BlockHeader, error) {
	r := bytes.NewReader(payload)
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if count > maxHeadersPerMsg {
		return nil, fmt.Errorf("headers count %d exceeds limit %d", count, maxHeadersPerMsg)
	}
	headers := make([]BlockHeader, count)
	for i := range headers {
		if err := headers[i].Deserialize(r); err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		txCount, err := ReadVarInt(r)
		if err != nil {
			return nil, fmt.Errorf("header %d tx count: %w", i, err)
		}
		if txCount != 0 {
			return nil, fmt.Errorf("header %d carries tx count %d", i, txCount)
		}
	}
	return headers, nil
}

// InvVect is one (type, hash) inventory entry.
type InvVect struct {
	Type uint32
	Hash types.Hash
}

// EncodeInv serializes an inv or getdata payload.
func EncodeInv(items []InvVect) ([]byte, error) {
	if len(items) > maxInvItems {
		return nil, fmt.Errorf("%d inventory items, limit %d", len(items), maxInvItems)
	}
	var buf bytes.Buffer
	if err := WriteVarInt(&buf, uint64(len(items))); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := writeUint32LE(&buf, item.Type); err != nil {
			return nil, err
		}
		if err := writeHash(&buf, item.Hash); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeInv parses an inv or getdata payload.
func DecodeInv(payload []byte) ([]InvVect, error) {
	r := bytes.NewReader(payload)
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if count > maxInvItems {
		return nil, fmt.Errorf("inv count %d exceeds limit %d", count, maxInvItems)
	}
	items := make([]InvVect, count)
	for i := range items {
		if items[i].Type, err = readUint32LE(r); err != nil {
			return nil, err
		}
		if items[i].Hash, err = readHash(r); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// MsgBlock is a full block: header plus transactions.
type MsgBlock struct {
	Header       BlockHeader
	Transactions []MsgTx
}

// Decode parses a block payload.
func (m *MsgBlock) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	if err := m.Header.Deserialize(r); err != nil {
		return fmt.Errorf("block header: %w", err)
	}
	count, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	if count > maxTxInputs {
		return fmt.Errorf("block tx count %d exceeds limit", count)
	}
	m.Transactions = make([]MsgTx, count)
	for i := range m.Transactions {
		if err := m.Transactions[i].Deserialize(r); err != nil {
			return fmt.Errorf("block tx %d: %w", i, err)
		}
	}
	return nil
}

// Encode serializes a block payload.
func (m *MsgBlock) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Header.Serialize(&buf); err != nil {
		return nil, err
	}
	if err := WriteVarInt(&buf, uint64(len(m.Transactions))); err != nil {
		return nil, err
	}
	for i := range m.Transactions {
		if err := m.Transactions[i].Serialize(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
