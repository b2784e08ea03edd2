// Package wire implements the subset of the Bitcoin P2P wire protocol the
// indexer speaks: the message envelope, integer/string primitives, block
// headers, transactions, and the commands used for header sync and block
// download.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

// MaxVarIntPayload is a bound for counts read from a var_int. ReadVarInt
// does not apply it; readers pass their own limits.
const MaxVarIntPayload = 50_000_000

// DoubleSHA256 returns SHA256(SHA256(data)).
func DoubleSHA256(data []byte) types.Hash {
	first := sha256.Sum256(data)
	return types.Hash(sha256.Sum256(first[:]))
}

// WriteVarInt writes a canonically-encoded variable-length integer.
func WriteVarInt(w io.Writer, v uint64) error {
	var buf [9]byte
	switch {
	case v < 0xfd:
		buf[0] = byte(v)
		_, err := w.Write(buf[:1])
		return err
	case v <= 0xffff:
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:3], uint16(v))
		_, err := w.Write(buf[:3])
		return err
	case v <= 0xffffffff:
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:5], uint32(v))
		_, err := w.Write(buf[:5])
		return err
	default:
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:9], v)
		_, err := w.Write(buf[:9])
		return err
	}
}

// ReadVarInt reads a variable-length integer, rejecting non-canonical
// encodings (a value that would fit in a shorter form).
func ReadVarInt(r io.Reader) (uint64, error) {
	var disc [1]byte
	if _, err := io.ReadFull(r, disc[:]); err != nil {
		return 0, err
	}
	switch disc[0] {
	case 0xfd:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint16(buf[:]))
		if v < 0xfd {
			return 0, fmt.Errorf("non-canonical var_int %d", v)
		}
		return v, nil
	case 0xfe:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint32(buf[:]))
		if v <= 0xffff {
			return 0, fmt.Errorf("non-canonical var_int %d", v)
		}
		return v, nil
	case 0xff:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(buf[:])
		if v <= 0xffffffff {
			return 0, fmt.Errorf("non-canonical var_int %d", v)
		}
		return v, nil
	default:
		return uint64(disc[0]), nil
	}
}

// WriteVarBytes writes a var_int length followed by the bytes.
func WriteVarBytes(w io.Writer, b []byte) error {
	if err := WriteVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadVarBytes reads a var_int length followed by that many bytes,
// bounded by maxLen.
func ReadVarBytes(r io.Reader, maxLen uint64) ([]byte, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("var_bytes length %d exceeds limit %d", n, maxLen)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteVarString writes a var_str (var_int length + UTF-8 bytes).
func WriteVarString(w io.Writer, s string) error {
	return WriteVarBytes(w, []byte(s))
}

// ReadVarString reads a var_str bounded by maxLen bytes.
func ReadVarString(r io.Reader, maxLen uint64) (string, error) {
	b, err := ReadVarBytes(r, maxLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeUint32LE(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64LE(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32LE(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64LE(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeHash(w io.Writer, h types.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (types.Hash, error) {
	var h types.Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}
