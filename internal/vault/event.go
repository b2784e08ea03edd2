package vault

import (
	"github.com/unitlabs/unit-indexer/pkg/types"
)

// Event is one decoded vault state transition. VaultID is the txid of
// the Open transaction that began the vault's lifecycle.
type Event struct {
	VaultID        types.Hash  `json:"vault_id"`
	TxID           types.Hash  `json:"txid"`
	OpReturnOutput uint32      `json:"op_return_output"`
	Version        Version     `json:"version"`
	Action         Action      `json:"action"`
	Balance        uint64      `json:"balance"`
	OraclePrice    uint64      `json:"oracle_price"`
	OracleTime     uint32      `json:"oracle_timestamp"`
	LiqPrice       *uint64     `json:"liquidation_price,omitempty"`
	LiqHash        *types.Hash `json:"liquidation_hash,omitempty"`
	BlockHash      types.Hash  `json:"block_hash"`
	Height         uint64      `json:"height"`
	BtcCustody     uint64      `json:"btc_custody"`
	UnitVolume     int64       `json:"unit_volume"`
	BtcVolume      int64       `json:"btc_volume"`
	PrevTx         *types.Hash `json:"prev_tx,omitempty"`
}

// UnitTx records a phase-1 transaction carrying a runestone UNIT transfer.
type UnitTx struct {
	TxID      types.Hash `json:"txid"`
	Amount    uint64     `json:"amount"`
	BlockHash types.Hash `json:"block_hash"`
	Height    uint64     `json:"height"`
}
