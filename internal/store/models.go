// Package store is the relational persistence layer: vault events, unit
// transactions, synced headers, and the scan cursor, with the query
// surface backing the WebSocket API.
package store

import (
	"fmt"

	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
)

// VaultEventRecord is the vault_events table row.
type VaultEventRecord struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	VaultID        string  `gorm:"size:64;index"`
	TxID           string  `gorm:"size:64;uniqueIndex"`
	OpReturnOutput uint32
	Version        string `gorm:"size:16"`
	Action         string `gorm:"size:16;index"`
	Balance        uint64
	OraclePrice    uint64
	OracleTime     uint32 `gorm:"index"`
	LiqPrice       *uint64
	LiqHash        *string `gorm:"size:64"`
	BlockHash      string  `gorm:"size:64"`
	Height         uint64  `gorm:"index"`
	BtcCustody     uint64
	UnitVolume     int64
	BtcVolume      int64
	PrevTx         *string `gorm:"size:64"`
}

// TableName pins the table name independent of gorm pluralization.
func (VaultEventRecord) TableName() string { return "vault_events" }

// UnitTxRecord is the unit_txs table row.
type UnitTxRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	TxID      string `gorm:"size:64;uniqueIndex"`
	Amount    uint64
	BlockHash string `gorm:"size:64"`
	Height    uint64 `gorm:"index"`
}

// TableName pins the table name.
func (UnitTxRecord) TableName() string { return "unit_txs" }

// HeaderRecord is the headers table row: the synced main-chain headers.
type HeaderRecord struct {
	Hash   string `gorm:"size:64;primaryKey"`
	Height uint64 `gorm:"index"`
	Raw    []byte // 80-byte wire form
}

// TableName pins the table name.
func (HeaderRecord) TableName() string { return "headers" }

// CursorRecord is the singleton cursor row: the highest fully-persisted
// block of the scan.
type CursorRecord struct {
	ID        uint32 `gorm:"primaryKey"`
	Height    uint64
	BlockHash string `gorm:"size:64"`
}

// TableName pins the table name.
func (CursorRecord) TableName() string { return "cursor" }

// cursorRowID is the fixed primary key of the singleton cursor row.
const cursorRowID = 1

// Cursor is the scan progress handed to the orchestrator.
type Cursor struct {
	Height    uint64
	BlockHash types.Hash
}

// recordFromEvent converts a decoded event to its row form.
func recordFromEvent(ev *vault.Event) *VaultEventRecord {
	rec := &VaultEventRecord{
		VaultID:        ev.VaultID.String(),
		TxID:           ev.TxID.String(),
		OpReturnOutput: ev.OpReturnOutput,
		Version:        ev.Version.String(),
		Action:         ev.Action.String(),
		Balance:        ev.Balance,
		OraclePrice:    ev.OraclePrice,
		OracleTime:     ev.OracleTime,
		LiqPrice:       ev.LiqPrice,
		BlockHash:      ev.BlockHash.String(),
		Height:         ev.Height,
		BtcCustody:     ev.BtcCustody,
		UnitVolume:     ev.UnitVolume,
		BtcVolume:      ev.BtcVolume,
	}
	if ev.LiqHash != nil {
		s := ev.LiqHash.String()
		rec.LiqHash = &s
	}
	if ev.PrevTx != nil {
		s := ev.PrevTx.String()
		rec.PrevTx = &s
	}
	return rec
}

// eventFromRecord converts a row back to the API event shape.
func eventFromRecord(rec *VaultEventRecord) (*vault.Event, error) {
	vaultID, err := types.HexToHash(rec.VaultID)
	if err != nil {
		return nil, fmt.Errorf("vault_id %q: %w", rec.VaultID, err)
	}
	txid, err := types.HexToHash(rec.TxID)
	if err != nil {
		return nil, fmt.Errorf("txid %q: %w", rec.TxID, err)
	}
	blockHash, err := types.HexToHash(rec.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("block_hash %q: %w", rec.BlockHash, err)
	}
	action, err := vault.ActionFromString(rec.Action)
	if err != nil {
		return nil, err
	}

	ev := &vault.Event{
		VaultID:        vaultID,
		TxID:           txid,
		OpReturnOutput: rec.OpReturnOutput,
		Version:        vault.Version1Legacy,
		Action:         action,
		Balance:        rec.Balance,
		OraclePrice:    rec.OraclePrice,
		OracleTime:     rec.OracleTime,
		LiqPrice:       rec.LiqPrice,
		BlockHash:      blockHash,
		Height:         rec.Height,
		BtcCustody:     rec.BtcCustody,
		UnitVolume:     rec.UnitVolume,
		BtcVolume:      rec.BtcVolume,
	}
	if rec.LiqHash != nil {
		h, err := types.HexToHash(*rec.LiqHash)
		if err != nil {
			return nil, fmt.Errorf("liquidation_hash %q: %w", *rec.LiqHash, err)
		}
		ev.LiqHash = &h
	}
	if rec.PrevTx != nil {
		h, err := types.HexToHash(*rec.PrevTx)
		if err != nil {
			return nil, fmt.Errorf("prev_tx %q: %w", *rec.PrevTx, err)
		}
		ev.PrevTx = &h
	}
	return ev, nil
}
