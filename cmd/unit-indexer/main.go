// Command unit-indexer syncs the Mutinynet header chain from a peer,
// scans blocks for vault and UNIT runestone transactions, persists the
// decoded history, and serves it over a WebSocket API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unitlabs/unit-indexer/config"
	"github.com/unitlabs/unit-indexer/internal/blockcache"
	"github.com/unitlabs/unit-indexer/internal/bus"
	"github.com/unitlabs/unit-indexer/internal/headercache"
	"github.com/unitlabs/unit-indexer/internal/indexer"
	klog "github.com/unitlabs/unit-indexer/internal/log"
	"github.com/unitlabs/unit-indexer/internal/store"
	"github.com/unitlabs/unit-indexer/internal/ws"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.ParseFlags()
	if flags.Help {
		config.PrintUsage()
		return 0
	}
	if flags.Version {
		fmt.Printf("unit-indexer %s\n", version)
		return 0
	}

	cfg := config.Default()
	config.ApplyFlags(cfg, flags)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Logger setup failed: %v\n", err)
		return 1
	}
	logger := klog.Indexer

	params := wire.MutinynetParams()
	logger.Info().
		Str("network", string(cfg.Network)).
		Str("peer", cfg.PeerAddr).
		Uint64("start_height", cfg.StartHeight).
		Str("version", version).
		Msg("Starting unit-indexer")

	st, err := store.Open(cfg.DatabasePath, klog.Store)
	if err != nil {
		logger.Error().Err(err).Msg("Database setup failed")
		return 1
	}
	defer st.Close()

	var cacheDB blockcache.DB
	if cfg.BlockCacheDir != "" {
		cacheDB, err = blockcache.NewBadger(cfg.BlockCacheDir)
		if err != nil {
			logger.Error().Err(err).Msg("Block cache setup failed")
			return 1
		}
	} else {
		cacheDB = blockcache.NewMemory()
	}
	blocks := blockcache.New(cacheDB)
	defer blocks.Close()

	headers := headercache.New(params.GenesisHeader, 0, klog.Chain)

	notifications := bus.New(bus.DefaultQueueSize, klog.Indexer)
	defer notifications.Close()

	wsServer := ws.New(cfg.WebsocketAddr, st, notifications, klog.WS)
	if err := wsServer.Start(); err != nil {
		logger.Error().Err(err).Msg("WebSocket server setup failed")
		return 1
	}
	defer wsServer.Stop()

	ix := indexer.New(indexer.Config{
		PeerAddr:    cfg.PeerAddr,
		Params:      params,
		UserAgent:   fmt.Sprintf("/unit-indexer:%s/", version),
		StartHeight: cfg.StartHeight,
		Batch:       cfg.Batch,
		Rescan:      cfg.Rescan,
	}, headers, st, blocks, notifications, klog.Indexer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ix.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Indexer failed")
		return 1
	}

	logger.Info().Msg("Shutdown complete")
	return 0
}
