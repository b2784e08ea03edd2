// Package ws implements the WebSocket API: query methods over the
// persisted history plus the live NewTranscation feed.
package ws

import (
	"fmt"

	"github.com/unitlabs/unit-indexer/internal/vault"
)

// request is the client frame shape: a method name with its parameters
// inline.
type request struct {
	Method         string `json:"method"`
	TimestampStart *int64 `json:"timestamp_start,omitempty"`
	TimestampEnd   *int64 `json:"timestamp_end,omitempty"`
	VaultOpenTxID  string `json:"vault_open_txid,omitempty"`
	Action         string `json:"action,omitempty"`
	Timespan       string `json:"timespan,omitempty"`
}

// errorResponse is returned for malformed or failed requests; the
// connection stays open.
type errorResponse struct {
	Error string `json:"error"`
}

// notificationFrame is the unsolicited push for a newly-indexed event.
// The key spelling is part of the wire contract.
type notificationFrame struct {
	NewTranscation *vault.Event `json:"NewTranscation"`
}

// Aggregation windows accepted by action_history.
const (
	timespanHour  = "Hour"
	timespanDay   = "Day"
	timespanWeek  = "Week"
	timespanMonth = "Month"
)

// timespanSeconds maps a timespan name to its bucket width. An empty
// name defaults to Day.
func timespanSeconds(name string) (int64, error) {
	switch name {
	case timespanHour:
		return 3600, nil
	case timespanDay, "":
		return 86_400, nil
	case timespanWeek:
		return 604_800, nil
	case timespanMonth:
		return 2_592_000, nil
	default:
		return 0, fmt.Errorf("unknown timespan %q", name)
	}
}
