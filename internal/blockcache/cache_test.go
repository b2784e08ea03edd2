package blockcache

import (
	"testing"

	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

func testBlock(t *testing.T, nonce uint32) (*wire.MsgBlock, []byte) {
	t.Helper()
	blk := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			Timestamp: 1_700_000_000,
			Bits:      0x207fffff,
			Nonce:     nonce,
		},
		Transactions: []wire.MsgTx{
			{
				Version: 2,
				Inputs:  []wire.TxIn{{PrevOut: types.Outpoint{TxID: types.Hash{byte(nonce)}}}},
				Outputs: []wire.TxOut{{Value: 5000, Script: []byte{0x51}}},
			},
		},
	}
	raw, err := blk.Encode()
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}
	return blk, raw
}

func TestPutGetBlock(t *testing.T) {
	c := New(NewMemory())
	blk, raw := testBlock(t, 1)

	if err := c.PutBlock(blk, raw, 100); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	hash := blk.Header.BlockHash()
	got, err := c.GetBlock(hash)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got.Header.BlockHash() != hash {
		t.Fatal("block hash mismatch after round trip")
	}

	ok, err := c.HasBlock(hash)
	if err != nil || !ok {
		t.Fatalf("HasBlock: %v %v", ok, err)
	}
	ok, err = c.HasBlock(types.Hash{0xff})
	if err != nil || ok {
		t.Fatal("HasBlock must be false for unknown hash")
	}
}

func TestGetBlockByHeight(t *testing.T) {
	c := New(NewMemory())
	blk, raw := testBlock(t, 2)
	if err := c.PutBlock(blk, raw, 1_590_395); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	got, err := c.GetBlockByHeight(1_590_395)
	if err != nil {
		t.Fatalf("GetBlockByHeight: %v", err)
	}
	if got.Header.BlockHash() != blk.Header.BlockHash() {
		t.Fatal("height index returned wrong block")
	}

	if _, err := c.GetBlockByHeight(7); err == nil {
		t.Fatal("expected error for unindexed height")
	}
}

func TestHeightIndexOverwriteOnReorg(t *testing.T) {
	c := New(NewMemory())
	blkA, rawA := testBlock(t, 3)
	blkB, rawB := testBlock(t, 4)

	if err := c.PutBlock(blkA, rawA, 500); err != nil {
		t.Fatalf("PutBlock A: %v", err)
	}
	if err := c.PutBlock(blkB, rawB, 500); err != nil {
		t.Fatalf("PutBlock B: %v", err)
	}

	got, err := c.GetBlockByHeight(500)
	if err != nil {
		t.Fatalf("GetBlockByHeight: %v", err)
	}
	if got.Header.BlockHash() != blkB.Header.BlockHash() {
		t.Fatal("height index must point at the latest block for the height")
	}
	// The orphaned block stays reachable by hash.
	if _, err := c.GetBlock(blkA.Header.BlockHash()); err != nil {
		t.Fatalf("orphaned block lost: %v", err)
	}
}

func TestGetTx(t *testing.T) {
	c := New(NewMemory())
	blk, raw := testBlock(t, 5)
	if err := c.PutBlock(blk, raw, 10); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	want := blk.Transactions[0].TxID()
	tx, err := c.GetTx(want)
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if tx.TxID() != want {
		t.Fatal("txid mismatch")
	}

	if _, err := c.GetTx(types.Hash{0xee}); err == nil {
		t.Fatal("expected error for unknown txid")
	}
}
