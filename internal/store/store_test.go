package store

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent builds a minimal event; the nonce differentiates txids.
func testEvent(nonce byte, action vault.Action, oracleTime uint32, unitVol, btcVol int64) *vault.Event {
	ev := &vault.Event{
		VaultID:     types.Hash{0x10},
		TxID:        types.Hash{nonce},
		Version:     vault.Version1Legacy,
		Action:      action,
		Balance:     79_817,
		OraclePrice: 56_127,
		OracleTime:  oracleTime,
		BlockHash:   types.Hash{0xbb},
		Height:      1_590_395,
		BtcCustody:  1_723_510,
		UnitVolume:  unitVol,
		BtcVolume:   btcVol,
	}
	if action != vault.ActionOpen {
		prev := types.Hash{nonce - 1}
		ev.PrevTx = &prev
	}
	return ev
}

func TestPersistBlockAdvancesCursor(t *testing.T) {
	s := openTestStore(t)

	if c, err := s.LoadCursor(); err != nil || c != nil {
		t.Fatalf("fresh store cursor: %v %v", c, err)
	}

	blockHash := types.Hash{0xbb}
	events := []*vault.Event{testEvent(1, vault.ActionOpen, 1_731_259_950, 0, 0)}
	if err := s.PersistBlock(blockHash, 1_590_395, events, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	c, err := s.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if c == nil || c.Height != 1_590_395 || c.BlockHash != blockHash {
		t.Fatalf("cursor %+v", c)
	}
}

func TestPersistBlockIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	events := []*vault.Event{testEvent(1, vault.ActionOpen, 1000, 0, 0)}
	unitTxs := []*vault.UnitTx{{TxID: types.Hash{0x77}, Amount: 42, BlockHash: types.Hash{0xbb}, Height: 5}}

	for i := 0; i < 2; i++ {
		if err := s.PersistBlock(types.Hash{0xbb}, 5, events, unitTxs); err != nil {
			t.Fatalf("PersistBlock run %d: %v", i, err)
		}
	}

	all, err := s.RangeHistoryAll(nil, nil)
	if err != nil {
		t.Fatalf("RangeHistoryAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d events after rescan, want 1", len(all))
	}
}

func TestEventRoundTrip(t *testing.T) {
	s := openTestStore(t)

	liqPrice := uint64(112_254)
	liqHash := types.Hash{0xcc}
	orig := testEvent(2, vault.ActionBorrow, 1_731_259_950, 2988, 0)
	orig.LiqPrice = &liqPrice
	orig.LiqHash = &liqHash

	if err := s.PersistBlock(types.Hash{0xbb}, 1_590_395, []*vault.Event{orig}, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	all, err := s.RangeHistoryAll(nil, nil)
	if err != nil || len(all) != 1 {
		t.Fatalf("RangeHistoryAll: %v (%d events)", err, len(all))
	}
	got := all[0]
	if got.TxID != orig.TxID || got.VaultID != orig.VaultID || got.Action != orig.Action {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.LiqPrice == nil || *got.LiqPrice != liqPrice {
		t.Fatal("liquidation price lost")
	}
	if got.LiqHash == nil || *got.LiqHash != liqHash {
		t.Fatal("liquidation hash lost")
	}
	if got.PrevTx == nil || *got.PrevTx != *orig.PrevTx {
		t.Fatal("prev_tx lost")
	}
	if got.UnitVolume != 2988 || got.Balance != 79_817 {
		t.Fatalf("fields lost: %+v", got)
	}
}

func TestRangeHistoryBounds(t *testing.T) {
	s := openTestStore(t)
	events := []*vault.Event{
		testEvent(1, vault.ActionOpen, 1_731_259_800, 0, 0),
		testEvent(2, vault.ActionBorrow, 1_731_259_950, 2988, 0),
		testEvent(3, vault.ActionRepay, 1_731_260_100, -100, 0),
	}
	if err := s.PersistBlock(types.Hash{0xbb}, 10, events, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	start, end := int64(1_731_259_900), int64(1_731_260_000)
	got, err := s.RangeHistoryAll(&start, &end)
	if err != nil {
		t.Fatalf("RangeHistoryAll: %v", err)
	}
	if len(got) != 1 || got[0].TxID != (types.Hash{2}) {
		t.Fatalf("bounded range returned %d events", len(got))
	}

	all, err := s.RangeHistoryAll(nil, nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("unbounded range: %v (%d)", err, len(all))
	}
}

func TestVaultHistoryTx(t *testing.T) {
	s := openTestStore(t)

	mine := testEvent(1, vault.ActionOpen, 100, 0, 0)
	mine.VaultID = mine.TxID
	other := testEvent(9, vault.ActionOpen, 100, 0, 0)
	other.VaultID = other.TxID
	followup := testEvent(2, vault.ActionBorrow, 200, 10, 0)
	followup.VaultID = mine.TxID

	if err := s.PersistBlock(types.Hash{0xbb}, 10, []*vault.Event{mine, other, followup}, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	got, err := s.VaultHistoryTx(mine.TxID, nil, nil)
	if err != nil {
		t.Fatalf("VaultHistoryTx: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	for _, ev := range got {
		if ev.VaultID != mine.TxID {
			t.Fatal("foreign vault event leaked into history")
		}
	}
}

func TestActionHistoryBuckets(t *testing.T) {
	s := openTestStore(t)
	events := []*vault.Event{
		testEvent(1, vault.ActionBorrow, 100, 10, 0),
		testEvent(2, vault.ActionBorrow, 150, 20, 0),
		testEvent(3, vault.ActionBorrow, 4000, 5, 0),
		testEvent(4, vault.ActionRepay, 100, -7, 0), // different action, excluded
	}
	if err := s.PersistBlock(types.Hash{0xbb}, 10, events, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	buckets, err := s.ActionHistory(vault.ActionBorrow, 3600)
	if err != nil {
		t.Fatalf("ActionHistory: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2", len(buckets))
	}
	if buckets[0].TimestampStart != 0 || buckets[0].UnitVolume != 30 {
		t.Fatalf("bucket 0: %+v", buckets[0])
	}
	if buckets[1].TimestampStart != 3600 || buckets[1].UnitVolume != 5 {
		t.Fatalf("bucket 1: %+v", buckets[1])
	}
}

func TestOverallVolume(t *testing.T) {
	s := openTestStore(t)
	events := []*vault.Event{
		testEvent(1, vault.ActionBorrow, 100, 100, 1000),
		testEvent(2, vault.ActionDeposit, 110, 50, 0),
		testEvent(3, vault.ActionWithdraw, 120, -30, -200),
		testEvent(4, vault.ActionBorrow, 130, 10, 0),
	}
	if err := s.PersistBlock(types.Hash{0xbb}, 10, events, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	v, err := s.OverallVolume()
	if err != nil {
		t.Fatalf("OverallVolume: %v", err)
	}
	if v.UnitVolume != 130 {
		t.Fatalf("unit volume %d, want 130", v.UnitVolume)
	}
	if v.BtcVolume != 800 {
		t.Fatalf("btc volume %d, want 800", v.BtcVolume)
	}
}

func TestOverallVolumeEmpty(t *testing.T) {
	s := openTestStore(t)
	v, err := s.OverallVolume()
	if err != nil {
		t.Fatalf("OverallVolume: %v", err)
	}
	if v.BtcVolume != 0 || v.UnitVolume != 0 {
		t.Fatalf("empty store volumes: %+v", v)
	}
}

func TestVaultIDForTx(t *testing.T) {
	s := openTestStore(t)
	ev := testEvent(2, vault.ActionBorrow, 100, 10, 0)
	if err := s.PersistBlock(types.Hash{0xbb}, 10, []*vault.Event{ev}, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}

	id, ok, err := s.VaultIDForTx(ev.TxID)
	if err != nil || !ok {
		t.Fatalf("VaultIDForTx: ok=%v err=%v", ok, err)
	}
	if id != ev.VaultID {
		t.Fatalf("vault id %s, want %s", id, ev.VaultID)
	}

	_, ok, err = s.VaultIDForTx(types.Hash{0xff})
	if err != nil || ok {
		t.Fatal("unknown txid must resolve to not-found")
	}
}

func TestPersistHeaders(t *testing.T) {
	s := openTestStore(t)

	h1 := wire.BlockHeader{Version: 1, Timestamp: 1, Bits: 0x207fffff}
	h2 := wire.BlockHeader{Version: 1, PrevBlock: h1.BlockHash(), Timestamp: 2, Bits: 0x207fffff}

	if err := s.PersistHeaders([]wire.BlockHeader{h1, h2}, []uint64{100, 101}); err != nil {
		t.Fatalf("PersistHeaders: %v", err)
	}
	// Re-persisting (locator overlap) upserts without error.
	if err := s.PersistHeaders([]wire.BlockHeader{h2}, []uint64{101}); err != nil {
		t.Fatalf("re-persist: %v", err)
	}
	// Length mismatch is rejected.
	if err := s.PersistHeaders([]wire.BlockHeader{h1}, []uint64{1, 2}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestSaveCursorRewind(t *testing.T) {
	s := openTestStore(t)
	if err := s.PersistBlock(types.Hash{0x01}, 1_800_000, nil, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}
	if err := s.SaveCursor(Cursor{Height: 1_589_999, BlockHash: types.Hash{0x02}}); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	c, err := s.LoadCursor()
	if err != nil || c == nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if c.Height != 1_589_999 {
		t.Fatalf("cursor height %d after rewind", c.Height)
	}
}
