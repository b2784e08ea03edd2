// Package vault decodes vault contract events and companion UNIT
// runestone transfers from raw transactions.
package vault

import (
	"encoding/json"
	"fmt"
)

// Action is a vault lifecycle operation.
type Action byte

// Vault lifecycle actions and their canonical byte representation.
const (
	ActionOpen     Action = 0
	ActionDeposit  Action = 1
	ActionWithdraw Action = 2
	ActionBorrow   Action = 3
	ActionRepay    Action = 4
)

// Valid reports whether the byte maps to a known action.
func (a Action) Valid() bool {
	return a <= ActionRepay
}

// String returns the action name used on the wire API.
func (a Action) String() string {
	switch a {
	case ActionOpen:
		return "Open"
	case ActionDeposit:
		return "Deposit"
	case ActionWithdraw:
		return "Withdraw"
	case ActionBorrow:
		return "Borrow"
	case ActionRepay:
		return "Repay"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(a))
	}
}

// ActionFromString parses an API action name.
func ActionFromString(s string) (Action, error) {
	switch s {
	case "Open":
		return ActionOpen, nil
	case "Deposit":
		return ActionDeposit, nil
	case "Withdraw":
		return ActionWithdraw, nil
	case "Borrow":
		return ActionBorrow, nil
	case "Repay":
		return ActionRepay, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// MarshalJSON encodes the action as its name.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an action name.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ActionFromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Version tags the vault payload schema.
type Version byte

// Version1Legacy is the only schema currently emitted. Unknown versions
// cause the transaction to be skipped, never a decode failure.
const Version1Legacy Version = 1

// Known reports whether the decoder understands this version.
func (v Version) Known() bool {
	return v == Version1Legacy
}

// String returns the version tag name used on the wire API.
func (v Version) String() string {
	switch v {
	case Version1Legacy:
		return "1_legacy"
	default:
		return fmt.Sprintf("unknown(%d)", byte(v))
	}
}

// MarshalJSON encodes the version as its tag name.
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a version tag name.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s != "1_legacy" {
		return fmt.Errorf("unknown version tag %q", s)
	}
	*v = Version1Legacy
	return nil
}
