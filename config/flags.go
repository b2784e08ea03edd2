package config

import (
	"flag"
	"fmt"
	"os"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	Address string

	// Persistence
	Database   string
	BlockCache string

	// Scan
	Batch       int
	StartHeight uint64
	Rescan      bool

	// WebSocket
	WebsocketAddress string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("unit-indexer", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", string(Mutinynet), "Network to index (mutinynet)")
	fs.StringVar(&f.Address, "address", DefaultPeerAddr, "Peer node address (host:port)")

	// Persistence
	fs.StringVar(&f.Database, "database", DefaultDatabasePath, "SQLite database path")
	fs.StringVar(&f.BlockCache, "blockcache", "", "Raw block cache directory (empty = in-memory)")

	// Scan
	fs.IntVar(&f.Batch, "batch", DefaultBatch, "Block download window size")
	fs.Uint64Var(&f.StartHeight, "start-height", DefaultStartHeight, "First height to scan for vault transactions")
	fs.BoolVar(&f.Rescan, "rescan", false, "Reset the scan cursor to start-height - 1 and re-scan")

	// WebSocket
	fs.StringVar(&f.WebsocketAddress, "websocket-address", DefaultWebsocketAddr, "WebSocket API bind address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		PrintUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	return f
}

// ApplyFlags applies command-line flags onto a Config.
func ApplyFlags(cfg *Config, f *Flags) {
	cfg.Network = NetworkType(f.Network)
	cfg.PeerAddr = f.Address
	cfg.DatabasePath = f.Database
	cfg.BlockCacheDir = f.BlockCache
	cfg.Batch = f.Batch
	cfg.StartHeight = f.StartHeight
	cfg.Rescan = f.Rescan
	cfg.WebsocketAddr = f.WebsocketAddress
	cfg.Log.Level = f.LogLevel
	cfg.Log.File = f.LogFile
	cfg.Log.JSON = f.LogJSON
}

// PrintUsage prints the command-line help text.
func PrintUsage() {
	fmt.Print(`unit-indexer - Mutinynet vault/UNIT blockchain indexer

Usage:
  unit-indexer [flags]

Flags:
  --network <name>            Network to index (default: mutinynet)
  --address <host:port>       Peer node address
  --database <path>           SQLite database path
  --blockcache <dir>          Raw block cache directory (empty = in-memory)
  --batch <n>                 Block download window size (default: 500)
  --start-height <n>          First height to scan for vault transactions
  --rescan                    Reset the scan cursor and re-scan
  --websocket-address <addr>  WebSocket API bind address (default: 127.0.0.1:39987)
  --log-level <level>         Log level: debug, info, warn, error
  --log-file <path>           Log file path
  --log-json                  Output logs as JSON
  --help, -h                  Show this help
  --version, -v               Show version
`)
}
