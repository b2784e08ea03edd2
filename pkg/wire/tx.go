package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

const (
	// maxTxInputs bounds the input/output counts read from the wire.
	maxTxInputs = 1_000_000

	// maxScriptSize bounds a single script or witness item.
	maxScriptSize = 1_000_000
)

// TxIn is a transaction input.
type TxIn struct {
	PrevOut   types.Outpoint `json:"prev_out"`
	Script    []byte         `json:"script"`
	Sequence  uint32         `json:"sequence"`
	Witness   [][]byte       `json:"witness,omitempty"`
}

// TxOut is a transaction output.
type TxOut struct {
	Value  int64  `json:"value"` // satoshis
	Script []byte `json:"script"`
}

// MsgTx is a Bitcoin transaction, with or without witness data.
type MsgTx struct {
	Version  int32  `json:"version"`
	Inputs   []TxIn `json:"inputs"`
	Outputs  []TxOut `json:"outputs"`
	LockTime uint32 `json:"lock_time"`
}

// HasWitness reports whether any input carries witness data.
func (tx *MsgTx) HasWitness() bool {
	for i := range tx.Inputs {
		if len(tx.Inputs[i].Witness) > 0 {
			return true
		}
	}
	return false
}

// Serialize writes the transaction, including the segwit marker and
// witness stacks when present.
func (tx *MsgTx) Serialize(w io.Writer) error {
	return tx.serialize(w, true)
}

// SerializeNoWitness writes the legacy (txid-defining) form.
func (tx *MsgTx) SerializeNoWitness(w io.Writer) error {
	return tx.serialize(w, false)
}

func (tx *MsgTx) serialize(w io.Writer, witness bool) error {
	if err := writeUint32LE(w, uint32(tx.Version)); err != nil {
		return err
	}
	witness = witness && tx.HasWitness()
	if witness {
		// Segwit marker and flag.
		if _, err := w.Write([]byte{0x00, 0x01}); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, uint64(len(tx.Inputs))); err != nil {
		return err
	}
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if err := writeHash(w, in.PrevOut.TxID); err != nil {
			return err
		}
		if err := writeUint32LE(w, in.PrevOut.Index); err != nil {
			return err
		}
		if err := WriteVarBytes(w, in.Script); err != nil {
			return err
		}
		if err := writeUint32LE(w, in.Sequence); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, uint64(len(tx.Outputs))); err != nil {
		return err
	}
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if err := writeUint64LE(w, uint64(out.Value)); err != nil {
			return err
		}
		if err := WriteVarBytes(w, out.Script); err != nil {
			return err
		}
	}
	if witness {
		for i := range tx.Inputs {
			stack := tx.Inputs[i].Witness
			if err := WriteVarInt(w, uint64(len(stack))); err != nil {
				return err
			}
			for _, item := range stack {
				if err := WriteVarBytes(w, item); err != nil {
					return err
				}
			}
		}
	}
	return writeUint32LE(w, tx.LockTime)
}

// Deserialize reads a transaction, transparently handling the segwit
// serialization.
func (tx *MsgTx) Deserialize(r io.Reader) error {
	v, err := readUint32LE(r)
	if err != nil {
		return err
	}
	tx.Version = int32(v)

	inCount, err := ReadVarInt(r)
	if err != nil {
		return err
	}

	hasWitness := false
	if inCount == 0 {
		// Read as the segwit marker; any flag other than 0x01 is an
		// error, so a transaction without inputs does not decode.
		var flag [1]byte
		if _, err := io.ReadFull(r, flag[:]); err != nil {
			return err
		}
		if flag[0] != 0x01 {
			return fmt.Errorf("unsupported segwit flag %02x", flag[0])
		}
		hasWitness = true
		if inCount, err = ReadVarInt(r); err != nil {
			return err
		}
	}
	if inCount > maxTxInputs {
		return fmt.Errorf("input count %d exceeds limit", inCount)
	}

	tx.Inputs = make([]TxIn, inCount)
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.PrevOut.TxID, err = readHash(r); err != nil {
			return err
		}
		if in.PrevOut.Index, err = readUint32LE(r); err != nil {
			return err
		}
		if in.Script, err = ReadVarBytes(r, maxScriptSize); err != nil {
			return err
		}
		if in.Sequence, err = readUint32LE(r); err != nil {
			return err
		}
	}

	outCount, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	if outCount > maxTxInputs {
		return fmt.Errorf("output count %d exceeds limit", outCount)
	}
	tx.Outputs = make([]TxOut, outCount)
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		v, err := readUint64LE(r)
		if err != nil {
			return err
		}
		out.Value = int64(v)
		if out.Script, err = ReadVarBytes(r, maxScriptSize); err != nil {
			return err
		}
	}

	if hasWitness {
		for i := range tx.Inputs {
			items, err := ReadVarInt(r)
			if err != nil {
				return err
			}
			if items > maxTxInputs {
				return fmt.Errorf("witness item count %d exceeds limit", items)
			}
			if items == 0 {
				continue
			}
			stack := make([][]byte, items)
			for j := range stack {
				if stack[j], err = ReadVarBytes(r, maxScriptSize); err != nil {
					return err
				}
			}
			tx.Inputs[i].Witness = stack
		}
	}

	tx.LockTime, err = readUint32LE(r)
	return err
}

// TxID computes the double-SHA256 of the witness-stripped serialization.
func (tx *MsgTx) TxID() types.Hash {
	var buf bytes.Buffer
	_ = tx.SerializeNoWitness(&buf)
	return DoubleSHA256(buf.Bytes())
}
