package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// Fixed payload widths, the version and action bytes included.
const (
	basePayloadLen     = 1 + 1 + 8 + 8 + 4                // version, action, balance, oracle_price, oracle_timestamp
	extendedPayloadLen = basePayloadLen + 8 + types.HashSize // + liquidation_price, liquidation_hash
)

// Slot conventions for the current schema. Documented as assumptions in
// the repository design notes; a future schema version may relax them.
const (
	openCustodyOutput  = 2
	otherCustodyOutput = 0
	collateralInput    = 0
	unitConnectorInput = 1
)

// maxVaultWalk bounds the prev_tx walk when resolving a vault id without
// a materialized map.
const maxVaultWalk = 100_000

// ParseErrorKind classifies parse failures.
type ParseErrorKind string

const (
	ErrKindPayload     ParseErrorKind = "payload"      // malformed OP_RETURN payload
	ErrKindCustody     ParseErrorKind = "custody"      // expected collateral slot missing
	ErrKindPrevMissing ParseErrorKind = "prev_missing" // lookup could not supply prev_tx
	ErrKindVaultID     ParseErrorKind = "vault_id"     // prev_tx walk failed to reach an Open
	ErrKindRunestone   ParseErrorKind = "runestone"    // connector runestone malformed
)

// ParseError reports why a transaction could not be decoded. Parse
// errors are logged and counted by the caller; they never abort the scan.
type ParseError struct {
	Kind ParseErrorKind
	TxID types.Hash
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.TxID, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LookupTx resolves a txid to its raw transaction, typically against the
// block cache or the peer. Returns false when unknown.
type LookupTx func(types.Hash) (*wire.MsgTx, bool)

// VaultIDResolver short-circuits the prev_tx walk using the indexer's
// materialized txid → vault_id map. Returns false when the txid is not
// a known vault transition.
type VaultIDResolver func(types.Hash) (types.Hash, bool)

// payload is the decoded OP_RETURN vault header.
type payload struct {
	version     Version
	action      Action
	balance     uint64
	oraclePrice uint64
	oracleTime  uint32
	liqPrice    *uint64
	liqHash     *types.Hash
}

// Parser decodes vault events. It is stateless over its inputs; the
// optional resolver only accelerates vault-id resolution.
type Parser struct {
	resolver VaultIDResolver
	logger   zerolog.Logger
}

// NewParser creates a parser. The resolver may be nil, in which case
// vault ids are resolved by walking prev_tx through the lookup callback.
func NewParser(resolver VaultIDResolver, logger zerolog.Logger) *Parser {
	return &Parser{resolver: resolver, logger: logger}
}

// findVaultPayload locates the single OP_RETURN output carrying a vault
// header. Returns nil (not an error) when the transaction is not a vault
// transaction: no OP_RETURN, more than one, or an unknown version tag.
func findVaultPayload(tx *wire.MsgTx) (*payload, uint32) {
	idx := -1
	for i := range tx.Outputs {
		script := tx.Outputs[i].Script
		if len(script) == 0 || script[0] != opReturn {
			continue
		}
		if len(script) > 1 && script[1] == op13 {
			continue // runestone, not a vault header
		}
		if idx != -1 {
			return nil, 0 // multiple OP_RETURN outputs: skip the tx
		}
		idx = i
	}
	if idx == -1 {
		return nil, 0
	}

	script := tx.Outputs[idx].Script
	if len(script) < 2 {
		return nil, 0
	}
	data, rest, err := readPush(script[1:])
	if err != nil || len(rest) != 0 {
		return nil, 0
	}

	p, ok := decodePayload(data)
	if !ok {
		return nil, 0
	}
	return p, uint32(idx)
}

// decodePayload parses the fixed-width vault header. Unknown versions
// and actions decode to a skip, never an error.
func decodePayload(data []byte) (*payload, bool) {
	if len(data) < 2 {
		return nil, false
	}
	version := Version(data[0])
	if !version.Known() {
		return nil, false
	}
	action := Action(data[1])
	if !action.Valid() {
		return nil, false
	}

	wantLen := basePayloadLen
	extended := action == ActionBorrow || action == ActionRepay
	if extended {
		wantLen = extendedPayloadLen
	}
	if len(data) != wantLen {
		return nil, false
	}

	p := &payload{
		version:     version,
		action:      action,
		balance:     binary.LittleEndian.Uint64(data[2:10]),
		oraclePrice: binary.LittleEndian.Uint64(data[10:18]),
		oracleTime:  binary.LittleEndian.Uint32(data[18:22]),
	}
	if extended {
		liqPrice := binary.LittleEndian.Uint64(data[22:30])
		var liqHash types.Hash
		copy(liqHash[:], data[30:62])
		p.liqPrice = &liqPrice
		p.liqHash = &liqHash
	}
	return p, true
}

// custodyOutputIndex returns the collateral slot for an action.
func custodyOutputIndex(action Action) int {
	if action == ActionOpen {
		return openCustodyOutput
	}
	return otherCustodyOutput
}

// ParseTx decodes at most one vault event from the transaction. A nil
// event with a nil error means the transaction is not a vault
// transaction; a *ParseError means it looked like one but was broken.
func (p *Parser) ParseTx(tx *wire.MsgTx, lookup LookupTx, blockHash types.Hash, height uint64) (*Event, error) {
	pl, opReturnIdx := findVaultPayload(tx)
	if pl == nil {
		return nil, nil
	}
	txid := tx.TxID()

	custodyIdx := custodyOutputIndex(pl.action)
	if custodyIdx >= len(tx.Outputs) {
		return nil, &ParseError{Kind: ErrKindCustody, TxID: txid,
			Err: fmt.Errorf("missing collateral output %d", custodyIdx)}
	}
	custody := uint64(tx.Outputs[custodyIdx].Value)

	event := &Event{
		TxID:           txid,
		OpReturnOutput: opReturnIdx,
		Version:        pl.version,
		Action:         pl.action,
		Balance:        pl.balance,
		OraclePrice:    pl.oraclePrice,
		OracleTime:     pl.oracleTime,
		LiqPrice:       pl.liqPrice,
		LiqHash:        pl.liqHash,
		BlockHash:      blockHash,
		Height:         height,
		BtcCustody:     custody,
	}

	if pl.action == ActionOpen {
		event.VaultID = txid
	} else {
		if collateralInput >= len(tx.Inputs) {
			return nil, &ParseError{Kind: ErrKindPrevMissing, TxID: txid,
				Err: fmt.Errorf("missing collateral input")}
		}
		prevTx := tx.Inputs[collateralInput].PrevOut.TxID
		event.PrevTx = &prevTx

		vaultID, err := p.resolveVaultID(prevTx, lookup)
		if err != nil {
			return nil, &ParseError{Kind: ErrKindVaultID, TxID: txid, Err: err}
		}
		event.VaultID = vaultID

		if pl.action == ActionDeposit || pl.action == ActionWithdraw {
			volume, err := p.custodyDelta(tx, prevTx, custody, lookup)
			if err != nil {
				return nil, &ParseError{Kind: ErrKindPrevMissing, TxID: txid, Err: err}
			}
			event.BtcVolume = volume
		}
	}

	unitVolume, err := p.unitVolume(tx, pl.action, lookup)
	if err != nil {
		return nil, &ParseError{Kind: ErrKindRunestone, TxID: txid, Err: err}
	}
	event.UnitVolume = unitVolume

	p.logger.Debug().
		Str("txid", txid.String()).
		Str("vault_id", event.VaultID.String()).
		Str("action", event.Action.String()).
		Uint64("height", height).
		Msg("Decoded vault event")

	return event, nil
}

// resolveVaultID walks prev_tx back to the Open transaction, using the
// materialized resolver when available.
func (p *Parser) resolveVaultID(prevTx types.Hash, lookup LookupTx) (types.Hash, error) {
	cur := prevTx
	for i := 0; i < maxVaultWalk; i++ {
		if p.resolver != nil {
			if id, ok := p.resolver(cur); ok {
				return id, nil
			}
		}
		raw, ok := lookup(cur)
		if !ok {
			return types.Hash{}, fmt.Errorf("prev tx %s not available", cur)
		}
		pl, _ := findVaultPayload(raw)
		if pl == nil {
			return types.Hash{}, fmt.Errorf("prev tx %s is not a vault transaction", cur)
		}
		if pl.action == ActionOpen {
			return cur, nil
		}
		if collateralInput >= len(raw.Inputs) {
			return types.Hash{}, fmt.Errorf("prev tx %s has no collateral input", cur)
		}
		cur = raw.Inputs[collateralInput].PrevOut.TxID
	}
	return types.Hash{}, fmt.Errorf("vault id walk exceeded %d hops", maxVaultWalk)
}

// custodyDelta computes custody(tx) − custody(prev): positive for a
// Deposit, negative for a Withdraw.
func (p *Parser) custodyDelta(tx *wire.MsgTx, prevTx types.Hash, custody uint64, lookup LookupTx) (int64, error) {
	raw, ok := lookup(prevTx)
	if !ok {
		return 0, fmt.Errorf("prev tx %s not available for volume", prevTx)
	}
	prevPayload, _ := findVaultPayload(raw)
	if prevPayload == nil {
		return 0, fmt.Errorf("prev tx %s is not a vault transaction", prevTx)
	}
	prevIdx := custodyOutputIndex(prevPayload.action)
	if prevIdx >= len(raw.Outputs) {
		return 0, fmt.Errorf("prev tx %s missing collateral output %d", prevTx, prevIdx)
	}
	prevCustody := uint64(raw.Outputs[prevIdx].Value)
	return int64(custody) - int64(prevCustody), nil
}

// unitVolume resolves the UNIT connector (input 1) and decodes the
// companion runestone. A missing connector or runestone yields zero,
// not an error; a present-but-broken runestone is an error.
func (p *Parser) unitVolume(tx *wire.MsgTx, action Action, lookup LookupTx) (int64, error) {
	if unitConnectorInput >= len(tx.Inputs) {
		return 0, nil
	}
	connector := tx.Inputs[unitConnectorInput].PrevOut.TxID
	raw, ok := lookup(connector)
	if !ok {
		return 0, nil
	}
	amount, err := DecodeRunestoneAmount(raw)
	if err != nil {
		if err == ErrNoRunestone {
			return 0, nil
		}
		return 0, err
	}
	if amount > 1<<62 {
		return 0, fmt.Errorf("runestone amount %d out of range", amount)
	}
	// Inflows are positive, outflows negative.
	switch action {
	case ActionWithdraw, ActionRepay:
		return -int64(amount), nil
	default:
		return int64(amount), nil
	}
}
