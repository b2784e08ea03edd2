package wire

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

// HeaderSize is the serialized length of a block header.
const HeaderSize = 80

// BlockHeader is the 80-byte Bitcoin block header.
type BlockHeader struct {
	Version    int32      `json:"version"`
	PrevBlock  types.Hash `json:"prev_block"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint32     `json:"timestamp"`
	Bits       uint32     `json:"bits"`
	Nonce      uint32     `json:"nonce"`
}

// Serialize writes the 80-byte wire form.
func (h *BlockHeader) Serialize(w io.Writer) error {
	if err := writeUint32LE(w, uint32(h.Version)); err != nil {
		return err
	}
	if err := writeHash(w, h.PrevBlock); err != nil {
		return err
	}
	if err := writeHash(w, h.MerkleRoot); err != nil {
		return err
	}
	if err := writeUint32LE(w, h.Timestamp); err != nil {
		return err
	}
	if err := writeUint32LE(w, h.Bits); err != nil {
		return err
	}
	return writeUint32LE(w, h.Nonce)
}

// Deserialize reads the 80-byte wire form.
func (h *BlockHeader) Deserialize(r io.Reader) error {
	v, err := readUint32LE(r)
	if err != nil {
		return err
	}
	h.Version = int32(v)
	if h.PrevBlock, err = readHash(r); err != nil {
		return err
	}
	if h.MerkleRoot, err = readHash(r); err != nil {
		return err
	}
	if h.Timestamp, err = readUint32LE(r); err != nil {
		return err
	}
	if h.Bits, err = readUint32LE(r); err != nil {
		return err
	}
	h.Nonce, err = readUint32LE(r)
	return err
}

// Bytes returns the 80-byte serialization.
func (h *BlockHeader) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	_ = h.Serialize(&buf)
	return buf.Bytes()
}

// BlockHash computes the double-SHA256 of the serialized header.
func (h *BlockHeader) BlockHash() types.Hash {
	return DoubleSHA256(h.Bytes())
}

var (
	bigOne = big.NewInt(1)

	// oneLsh256 is 2^256, the numerator of the per-header work term.
	oneLsh256 = new(big.Int).Lsh(bigOne, 256)
)

// CompactToTarget expands the compact "bits" representation into the
// 256-bit target. The negative flag and mantissa overflow mirror the
// consensus decoding rules.
func CompactToTarget(bits uint32) (target *big.Int, negative, overflow bool) {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	negative = bits&0x00800000 != 0 && mantissa != 0

	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(int64(mantissa))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, uint(8*(exponent-3)))
	}

	overflow = mantissa != 0 && (exponent > 34 ||
		(mantissa > 0xff && exponent > 33) ||
		(mantissa > 0xffff && exponent > 32))
	return target, negative, overflow
}

// TargetToWork returns the expected-hashes work contribution of a header
// with the given target: 2^256 / (target + 1).
func TargetToWork(target *big.Int) *big.Int {
	if target.Sign() <= 0 {
		return new(big.Int)
	}
	denom := new(big.Int).Add(target, bigOne)
	return new(big.Int).Div(oneLsh256, denom)
}

// Work returns the proof-of-work contribution of this header. Invalid
// compact bits contribute zero work.
func (h *BlockHeader) Work() *big.Int {
	target, negative, overflow := CompactToTarget(h.Bits)
	if negative || overflow {
		return new(big.Int)
	}
	return TargetToWork(target)
}

// CheckProofOfWork verifies the header hash, interpreted as a little-endian
// 256-bit integer, does not exceed the target decoded from Bits.
func (h *BlockHeader) CheckProofOfWork() error {
	target, negative, overflow := CompactToTarget(h.Bits)
	if negative {
		return fmt.Errorf("bits %08x decode to negative target", h.Bits)
	}
	if overflow {
		return fmt.Errorf("bits %08x overflow target", h.Bits)
	}
	if target.Sign() <= 0 {
		return fmt.Errorf("bits %08x decode to zero target", h.Bits)
	}

	hash := h.BlockHash()
	// The hash is little-endian on the wire; big.Int wants big-endian.
	var be [types.HashSize]byte
	for i := 0; i < types.HashSize; i++ {
		be[i] = hash[types.HashSize-1-i]
	}
	hashNum := new(big.Int).SetBytes(be[:])
	if hashNum.Cmp(target) > 0 {
		return fmt.Errorf("hash %s above target", hash)
	}
	return nil
}
