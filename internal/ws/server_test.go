package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/internal/bus"
	"github.com/unitlabs/unit-indexer/internal/store"
	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
)

type testServer struct {
	store  *store.Store
	bus    *bus.Bus
	server *Server
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	b := bus.New(16, zerolog.Nop())
	s := New("127.0.0.1:0", st, b, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		b.Close()
		st.Close()
	})
	return &testServer{store: st, bus: b, server: s}
}

func dialTestServer(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ts.server.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip sends one request and decodes the response into a raw map.
func roundTrip(t *testing.T, conn *websocket.Conn, req any) map[string]json.RawMessage {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp map[string]json.RawMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func seedEvent(t *testing.T, ts *testServer, nonce byte, action vault.Action, oracleTime uint32, unitVol, btcVol int64) *vault.Event {
	t.Helper()
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
	if err := ts.store.PersistBlock(ev.BlockHash, ev.Height, []*vault.Event{ev}, nil); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}
	return ev
}

func TestRangeHistoryAll(t *testing.T) {
	ts := startTestServer(t)
	want := seedEvent(t, ts, 1, vault.ActionBorrow, 1_731_259_950, 2988, 0)
	seedEvent(t, ts, 2, vault.ActionOpen, 1_731_270_000, 0, 0) // outside the range

	conn := dialTestServer(t, ts)
	start, end := int64(1_731_259_900), int64(1_731_260_000)
	resp := roundTrip(t, conn, request{Method: "range_history_all", TimestampStart: &start, TimestampEnd: &end})

	raw, ok := resp["AllHistory"]
	if !ok {
		t.Fatalf("response missing AllHistory key: %v", resp)
	}
	var events []*vault.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].TxID != want.TxID || events[0].UnitVolume != 2988 {
		t.Fatalf("wrong event: %+v", events[0])
	}
}

func TestVaultHistoryTx(t *testing.T) {
	ts := startTestServer(t)
	ev := seedEvent(t, ts, 1, vault.ActionBorrow, 100, 10, 0)

	conn := dialTestServer(t, ts)
	resp := roundTrip(t, conn, request{Method: "vault_history_tx", VaultOpenTxID: ev.VaultID.String()})

	raw, ok := resp["VaultHistory"]
	if !ok {
		t.Fatalf("response missing VaultHistory key: %v", resp)
	}
	var events []*vault.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestActionHistoryDefaultsToDay(t *testing.T) {
	ts := startTestServer(t)
	seedEvent(t, ts, 1, vault.ActionBorrow, 100, 10, 0)
	seedEvent(t, ts, 2, vault.ActionBorrow, 200, 20, 0)

	conn := dialTestServer(t, ts)
	resp := roundTrip(t, conn, request{Method: "action_history", Action: "Borrow"})

	raw, ok := resp["ActionHistory"]
	if !ok {
		t.Fatalf("response missing ActionHistory key: %v", resp)
	}
	var buckets []store.ActionBucket
	if err := json.Unmarshal(raw, &buckets); err != nil {
		t.Fatalf("decode buckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0].UnitVolume != 30 {
		t.Fatalf("buckets: %+v", buckets)
	}
}

func TestOverallVolumeKeySpelling(t *testing.T) {
	ts := startTestServer(t)
	seedEvent(t, ts, 1, vault.ActionBorrow, 100, 100, 1000)
	seedEvent(t, ts, 2, vault.ActionDeposit, 110, 50, 0)
	seedEvent(t, ts, 3, vault.ActionWithdraw, 120, -30, -200)
	seedEvent(t, ts, 4, vault.ActionBorrow, 130, 10, 0)

	conn := dialTestServer(t, ts)
	resp := roundTrip(t, conn, request{Method: "overall_volume"})

	raw, ok := resp["OveallVolume"]
	if !ok {
		t.Fatalf("wire contract requires the OveallVolume key, got: %v", resp)
	}
	var v store.Volumes
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode volumes: %v", err)
	}
	if v.UnitVolume != 130 || v.BtcVolume != 800 {
		t.Fatalf("volumes: %+v", v)
	}
}

func TestBadRequestKeepsConnection(t *testing.T) {
	ts := startTestServer(t)
	conn := dialTestServer(t, ts)

	resp := roundTrip(t, conn, request{Method: "no_such_method"})
	if _, ok := resp["error"]; !ok {
		t.Fatalf("expected error response, got %v", resp)
	}

	// The connection still answers valid requests.
	resp = roundTrip(t, conn, request{Method: "overall_volume"})
	if _, ok := resp["OveallVolume"]; !ok {
		t.Fatalf("connection unusable after error: %v", resp)
	}
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	ts := startTestServer(t)
	conn := dialTestServer(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp map[string]json.RawMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := resp["error"]; !ok {
		t.Fatalf("expected error response, got %v", resp)
	}
}

func TestNotificationPush(t *testing.T) {
	ts := startTestServer(t)
	conn := dialTestServer(t, ts)

	// Give the server a beat to register the subscription.
	time.Sleep(50 * time.Millisecond)

	ev := &vault.Event{
		TxID:    types.Hash{0x42},
		Action:  vault.ActionBorrow,
		Version: vault.Version1Legacy,
		Height:  1_590_395,
	}
	ts.bus.Publish(bus.Notification{Event: ev})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]json.RawMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read push: %v", err)
	}
	raw, ok := frame["NewTranscation"]
	if !ok {
		t.Fatalf("wire contract requires the NewTranscation key, got: %v", frame)
	}
	var got vault.Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.TxID != ev.TxID {
		t.Fatal("pushed event txid mismatch")
	}
}
