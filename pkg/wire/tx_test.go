package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/unitlabs/unit-indexer/pkg/types"
)

func sampleTx() *MsgTx {
	return &MsgTx{
		Version: 2,
		Inputs: []TxIn{
			{
				PrevOut:  types.Outpoint{TxID: types.Hash{0x01}, Index: 1},
				Script:   nil,
				Sequence: 0xfffffffd,
				Witness:  [][]byte{{0x30, 0x44}, {0x02, 0x21}},
			},
			{
				PrevOut:  types.Outpoint{TxID: types.Hash{0x02}, Index: 0},
				Script:   []byte{0x00, 0x14},
				Sequence: 0xffffffff,
			},
		},
		Outputs: []TxOut{
			{Value: 1723510, Script: []byte{0x51}},
			{Value: 0, Script: []byte{0x6a, 0x02, 0xbe, 0xef}},
		},
		LockTime: 0,
	}
}

func TestTxSerializeRoundTrip(t *testing.T) {
	orig := sampleTx()
	var buf bytes.Buffer
	if err := orig.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var back MsgTx
	if err := back.Deserialize(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !reflect.DeepEqual(&back, orig) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, *orig)
	}
}

func TestTxIDIgnoresWitness(t *testing.T) {
	withWitness := sampleTx()
	stripped := sampleTx()
	for i := range stripped.Inputs {
		stripped.Inputs[i].Witness = nil
	}
	if withWitness.TxID() != stripped.TxID() {
		t.Fatal("txid must not cover witness data")
	}
}

func TestTxSerializeNoWitnessOmitsMarker(t *testing.T) {
	tx := sampleTx()
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		t.Fatalf("SerializeNoWitness: %v", err)
	}
	raw := buf.Bytes()
	// version(4) then input count — no 0x00 marker byte.
	if raw[4] == 0x00 {
		t.Fatal("stripped serialization must not contain the segwit marker")
	}
}

func TestTxDeserializeRejectsBadFlag(t *testing.T) {
	raw := []byte{
		0x02, 0x00, 0x00, 0x00, // version
		0x00, 0x02, // marker + invalid flag
	}
	var tx MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for unknown segwit flag")
	}
}

func TestLegacyTxRoundTrip(t *testing.T) {
	orig := sampleTx()
	for i := range orig.Inputs {
		orig.Inputs[i].Witness = nil
	}
	var buf bytes.Buffer
	if err := orig.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	var back MsgTx
	if err := back.Deserialize(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !reflect.DeepEqual(&back, orig) {
		t.Fatalf("legacy round trip mismatch")
	}
}
