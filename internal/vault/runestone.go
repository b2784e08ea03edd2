package vault

import (
	"errors"
	"fmt"

	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// Script opcodes the decoders care about.
const (
	opReturn    = 0x6a
	op13        = 0x5d
	opPushData1 = 0x4c
	opPushData2 = 0x4d
)

// tagBody terminates the runestone tag section; everything after it is
// edicts in groups of four integers.
const tagBody = 0

// ErrNoRunestone marks a transaction without a runestone output.
var ErrNoRunestone = errors.New("no runestone output")

// runestonePayload extracts and concatenates the data pushes following
// OP_RETURN OP_13 in the first matching output script.
func runestonePayload(tx *wire.MsgTx) ([]byte, error) {
	for i := range tx.Outputs {
		script := tx.Outputs[i].Script
		if len(script) < 2 || script[0] != opReturn || script[1] != op13 {
			continue
		}
		var payload []byte
		rest := script[2:]
		for len(rest) > 0 {
			push, tail, err := readPush(rest)
			if err != nil {
				return nil, fmt.Errorf("runestone output %d: %w", i, err)
			}
			payload = append(payload, push...)
			rest = tail
		}
		return payload, nil
	}
	return nil, ErrNoRunestone
}

// readPush consumes one data push from a script fragment.
func readPush(script []byte) (push, rest []byte, err error) {
	op := script[0]
	switch {
	case op > 0 && op <= 75:
		n := int(op)
		if len(script) < 1+n {
			return nil, nil, errors.New("truncated push")
		}
		return script[1 : 1+n], script[1+n:], nil
	case op == opPushData1:
		if len(script) < 2 {
			return nil, nil, errors.New("truncated pushdata1")
		}
		n := int(script[1])
		if len(script) < 2+n {
			return nil, nil, errors.New("truncated pushdata1")
		}
		return script[2 : 2+n], script[2+n:], nil
	case op == opPushData2:
		if len(script) < 3 {
			return nil, nil, errors.New("truncated pushdata2")
		}
		n := int(script[1]) | int(script[2])<<8
		if len(script) < 3+n {
			return nil, nil, errors.New("truncated pushdata2")
		}
		return script[3 : 3+n], script[3+n:], nil
	default:
		return nil, nil, fmt.Errorf("unexpected opcode %02x in data payload", op)
	}
}

// decodeLEB128 reads one LEB128-encoded integer. Values beyond 64 bits
// are rejected; runestone amounts in this deployment fit comfortably.
func decodeLEB128(data []byte) (value uint64, consumed int, err error) {
	var shift uint
	for i, b := range data {
		if shift >= 64 || (shift == 63 && b > 1) {
			return 0, 0, errors.New("leb128 overflow")
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("truncated leb128")
}

// DecodeRunestoneAmount decodes the runestone in tx and returns the total
// UNIT amount moved by its edicts. Returns ErrNoRunestone when the
// transaction carries none.
func DecodeRunestoneAmount(tx *wire.MsgTx) (uint64, error) {
	payload, err := runestonePayload(tx)
	if err != nil {
		return 0, err
	}

	// Decode the full integer stream first.
	var fields []uint64
	for len(payload) > 0 {
		v, n, err := decodeLEB128(payload)
		if err != nil {
			return 0, fmt.Errorf("runestone integers: %w", err)
		}
		fields = append(fields, v)
		payload = payload[n:]
	}

	// Tag section: (tag, value) pairs until the Body tag.
	i := 0
	for i < len(fields) {
		if fields[i] == tagBody {
			i++
			break
		}
		if i+1 >= len(fields) {
			return 0, errors.New("runestone tag without value")
		}
		i += 2
	}

	// Edicts: (block_delta, tx_delta, amount, output) quadruples.
	var total uint64
	for ; i+3 < len(fields); i += 4 {
		amount := fields[i+2]
		if total > ^uint64(0)-amount {
			return 0, errors.New("runestone amount overflow")
		}
		total += amount
	}
	if i != len(fields) {
		return 0, errors.New("runestone edicts not a multiple of four")
	}
	return total, nil
}

// ParseUnitTx returns the UnitTx record for a phase-1 runestone
// transaction, or nil when the transaction carries no runestone.
func ParseUnitTx(tx *wire.MsgTx, blockHash types.Hash, height uint64) *UnitTx {
	amount, err := DecodeRunestoneAmount(tx)
	if err != nil {
		return nil
	}
	return &UnitTx{
		TxID:      tx.TxID(),
		Amount:    amount,
		BlockHash: blockHash,
		Height:    height,
	}
}
