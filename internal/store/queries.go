package store

import (
	"fmt"

	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
)

// ActionBucket is one time bucket of the action_history aggregation.
type ActionBucket struct {
	TimestampStart int64 `json:"timestamp_start"`
	UnitVolume     int64 `json:"unit_volume"`
	BtcVolume      int64 `json:"btc_volume"`
}

// Volumes is the overall_volume aggregate.
type Volumes struct {
	BtcVolume  int64 `json:"btc_volume"`
	UnitVolume int64 `json:"unit_volume"`
}

// eventsFromRecords converts rows, skipping none: a conversion failure
// means corrupt storage and surfaces as an error.
func eventsFromRecords(recs []VaultEventRecord) ([]*vault.Event, error) {
	events := make([]*vault.Event, 0, len(recs))
	for i := range recs {
		ev, err := eventFromRecord(&recs[i])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", recs[i].ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// RangeHistoryAll returns all events whose oracle timestamp falls in
// [start, end]. Either bound may be nil for open-ended ranges. Events
// are ordered by height, then by insertion order within a block.
func (s *Store) RangeHistoryAll(start, end *int64) ([]*vault.Event, error) {
	q := s.db.Model(&VaultEventRecord{})
	if start != nil {
		q = q.Where("oracle_time >= ?", *start)
	}
	if end != nil {
		q = q.Where("oracle_time <= ?", *end)
	}
	var recs []VaultEventRecord
	if err := q.Order("height, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("range history: %w", err)
	}
	return eventsFromRecords(recs)
}

// VaultHistoryTx returns the event history of one vault, identified by
// its Open txid, optionally bounded by oracle timestamps.
func (s *Store) VaultHistoryTx(openTxID types.Hash, start, end *int64) ([]*vault.Event, error) {
	q := s.db.Model(&VaultEventRecord{}).Where("vault_id = ?", openTxID.String())
	if start != nil {
		q = q.Where("oracle_time >= ?", *start)
	}
	if end != nil {
		q = q.Where("oracle_time <= ?", *end)
	}
	var recs []VaultEventRecord
	if err := q.Order("height, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("vault history: %w", err)
	}
	return eventsFromRecords(recs)
}

// ActionHistory aggregates one action's volumes into fixed time buckets
// of bucketSeconds, keyed by the bucket's starting timestamp.
func (s *Store) ActionHistory(action vault.Action, bucketSeconds int64) ([]ActionBucket, error) {
	if bucketSeconds <= 0 {
		return nil, fmt.Errorf("bucket seconds must be positive, got %d", bucketSeconds)
	}
	var buckets []ActionBucket
	err := s.db.Model(&VaultEventRecord{}).
		Select("(oracle_time / ?) * ? AS timestamp_start, SUM(unit_volume) AS unit_volume, SUM(btc_volume) AS btc_volume",
			bucketSeconds, bucketSeconds).
		Where("action = ?", action.String()).
		Group("timestamp_start").
		Order("timestamp_start").
		Scan(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("action history: %w", err)
	}
	return buckets, nil
}

// OverallVolume sums the signed volumes across every persisted event.
// Withdraw and Repay rows carry negative volumes, so the plain sum
// already subtracts them.
func (s *Store) OverallVolume() (Volumes, error) {
	var v Volumes
	err := s.db.Model(&VaultEventRecord{}).
		Select("COALESCE(SUM(btc_volume), 0) AS btc_volume, COALESCE(SUM(unit_volume), 0) AS unit_volume").
		Scan(&v).Error
	if err != nil {
		return Volumes{}, fmt.Errorf("overall volume: %w", err)
	}
	return v, nil
}
