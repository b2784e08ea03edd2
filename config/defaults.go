package config

// Default node settings.
const (
	// DefaultPeerAddr is the public Mutinynet node.
	DefaultPeerAddr = "45.79.52.207:38333"

	// DefaultBatch is the block-download window size.
	DefaultBatch = 500

	// DefaultStartHeight is the height the vault contracts deployed at;
	// scanning earlier blocks can never find an event.
	DefaultStartHeight = 1_590_000

	// DefaultDatabasePath is the SQLite database file.
	DefaultDatabasePath = "unit-indexer.db"

	// DefaultWebsocketAddr binds the query/notification API.
	DefaultWebsocketAddr = "127.0.0.1:39987"

	// DefaultLogLevel is the boot log verbosity.
	DefaultLogLevel = "info"
)

// Default returns a Config populated with the default settings.
func Default() *Config {
	return &Config{
		Network:       Mutinynet,
		PeerAddr:      DefaultPeerAddr,
		Batch:         DefaultBatch,
		StartHeight:   DefaultStartHeight,
		DatabasePath:  DefaultDatabasePath,
		WebsocketAddr: DefaultWebsocketAddr,
		Log:           LogConfig{Level: DefaultLogLevel},
	}
}
