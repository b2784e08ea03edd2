package config

import (
	"fmt"
	"net"
)

// Validate checks a Config for settings that cannot work.
func (c *Config) Validate() error {
	if c.Network != Mutinynet {
		return fmt.Errorf("unsupported network %q (only %q)", c.Network, Mutinynet)
	}
	if c.PeerAddr == "" {
		return fmt.Errorf("peer address is required")
	}
	if _, _, err := net.SplitHostPort(c.PeerAddr); err != nil {
		return fmt.Errorf("peer address %q: %w", c.PeerAddr, err)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Batch <= 0 {
		return fmt.Errorf("batch must be positive, got %d", c.Batch)
	}
	if c.StartHeight == 0 {
		return fmt.Errorf("start height must be positive")
	}
	if _, _, err := net.SplitHostPort(c.WebsocketAddr); err != nil {
		return fmt.Errorf("websocket address %q: %w", c.WebsocketAddr, err)
	}
	return nil
}
