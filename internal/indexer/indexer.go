// Package indexer sequences the sync phases: header sync into the
// cache, then windowed block download, parsing, persistence, and
// notification fan-out. It owns the scan cursor and the reconnect
// policy.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/internal/blockcache"
	"github.com/unitlabs/unit-indexer/internal/bus"
	"github.com/unitlabs/unit-indexer/internal/headercache"
	"github.com/unitlabs/unit-indexer/internal/p2p"
	"github.com/unitlabs/unit-indexer/internal/store"
	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

const (
	// backoffStart and backoffCap bound the reconnect delay.
	backoffStart = time.Second
	backoffCap   = 60 * time.Second

	// backoffJitter spreads reconnects by ±25%.
	backoffJitter = 0.25

	// persistRetries bounds persistence retry attempts before the
	// indexing loop gives up.
	persistRetries = 8

	// tipPollInterval re-polls the peer for new headers once synced.
	tipPollInterval = 30 * time.Second
)

// Config parameterizes the orchestrator.
type Config struct {
	PeerAddr    string
	Params      wire.Params
	UserAgent   string
	StartHeight uint64
	Batch       int
	Rescan      bool
}

// phase is the sync phase the orchestrator is in.
type phase int

const (
	phaseHeaderSync phase = iota
	phaseBlockScan
	phaseIdle
)

// session is the slice of p2p.Session the orchestrator drives; tests
// substitute a fake.
type session interface {
	Events() <-chan p2p.Event
	RequestHeaders(locator []types.Hash) error
	RequestBlocks(hashes []types.Hash) error
	Close()
}

// dialFunc opens a session; tests substitute a fake.
type dialFunc func(ctx context.Context) (session, error)

// Indexer drives the sync and scan pipeline.
type Indexer struct {
	cfg    Config
	cache  *headercache.Cache
	store  *store.Store
	blocks *blockcache.Cache
	bus    *bus.Bus
	parser *vault.Parser
	logger zerolog.Logger
	dial   dialFunc

	cursor     store.Cursor
	haveCursor bool
	peerHeight int32

	// Block-scan window state.
	phase       phase
	nextHeight  uint64                     // next main-chain height to process
	windowEnd   uint64                     // last height of the current window
	arrived     map[types.Hash]*p2p.BlockEvent // out-of-order arrivals
	parseErrors uint64
}

// New creates an indexer. The header cache must already be rooted.
func New(cfg Config, cache *headercache.Cache, st *store.Store, blocks *blockcache.Cache, b *bus.Bus, logger zerolog.Logger) *Indexer {
	ix := &Indexer{
		cfg:     cfg,
		cache:   cache,
		store:   st,
		blocks:  blocks,
		bus:     b,
		logger:  logger,
		arrived: make(map[types.Hash]*p2p.BlockEvent),
	}
	if ix.cfg.Batch <= 0 {
		ix.cfg.Batch = p2p.DefaultBatch
	}
	ix.parser = vault.NewParser(ix.resolveVaultID, logger)
	ix.dial = func(ctx context.Context) (session, error) {
		return p2p.Dial(ctx, p2p.Config{
			PeerAddr:    cfg.PeerAddr,
			Magic:       cfg.Params.Magic,
			Services:    wire.ServiceNodeWitness,
			UserAgent:   cfg.UserAgent,
			StartHeight: 0,
			Batch:       ix.cfg.Batch,
		}, logger)
	}
	return ix
}

// resolveVaultID consults the materialized event table.
func (ix *Indexer) resolveVaultID(txid types.Hash) (types.Hash, bool) {
	id, ok, err := ix.store.VaultIDForTx(txid)
	if err != nil {
		ix.logger.Error().Err(err).Str("txid", txid.String()).Msg("Vault id lookup failed")
		return types.Hash{}, false
	}
	return id, ok
}

// lookupTx serves the parser from the block cache.
func (ix *Indexer) lookupTx(txid types.Hash) (*wire.MsgTx, bool) {
	tx, err := ix.blocks.GetTx(txid)
	if err != nil {
		return nil, false
	}
	return tx, true
}

// Run drives the indexer until the context is cancelled or persistence
// fails permanently.
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.initCursor(); err != nil {
		return err
	}

	backoff := backoffStart
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		sess, err := ix.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ix.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Peer connection failed")
			if !sleepCtx(ctx, jittered(backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffStart

		err = ix.runSession(ctx, sess)
		sess.Close()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err // fatal (persistence exhausted)
		}
		if ctx.Err() != nil {
			return nil
		}

		ix.logger.Info().Dur("retry_in", backoff).Msg("Reconnecting to peer")
		if !sleepCtx(ctx, jittered(backoff)) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

// initCursor loads the persisted cursor, applying --rescan.
func (ix *Indexer) initCursor() error {
	if ix.cfg.Rescan {
		ix.cursor = store.Cursor{Height: ix.cfg.StartHeight - 1}
		ix.haveCursor = true
		if err := ix.store.SaveCursor(ix.cursor); err != nil {
			return fmt.Errorf("reset cursor for rescan: %w", err)
		}
		ix.logger.Info().Uint64("height", ix.cursor.Height).Msg("Cursor reset for rescan")
		return nil
	}

	c, err := ix.store.LoadCursor()
	if err != nil {
		return err
	}
	if c != nil {
		ix.cursor = *c
		ix.haveCursor = true
		ix.logger.Info().Uint64("height", c.Height).Msg("Resuming scan from cursor")
	}
	return nil
}

// scanFloor is the first height the scan may process.
func (ix *Indexer) scanFloor() uint64 {
	if ix.haveCursor && ix.cursor.Height+1 > ix.cfg.StartHeight {
		return ix.cursor.Height + 1
	}
	return ix.cfg.StartHeight
}

// runSession drives one connection until it drops (nil) or the indexer
// hits a fatal error (non-nil).
func (ix *Indexer) runSession(ctx context.Context, sess session) error {
	ix.phase = phaseHeaderSync
	ix.arrived = make(map[types.Hash]*p2p.BlockEvent)

	ticker := time.NewTicker(tipPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if ix.phase == phaseIdle {
				ix.phase = phaseHeaderSync
				if err := sess.RequestHeaders(ix.cache.Locator()); err != nil {
					ix.logger.Warn().Err(err).Msg("Header poll failed")
					return nil
				}
			}

		case ev, ok := <-sess.Events():
			if !ok {
				return nil
			}
			done, err := ix.handleEvent(sess, ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleEvent processes one session event. done=true means the session
// ended.
func (ix *Indexer) handleEvent(sess session, ev p2p.Event) (done bool, err error) {
	switch ev := ev.(type) {
	case p2p.ReadyEvent:
		ix.peerHeight = ev.PeerHeight
		ix.logger.Info().
			Int32("peer_height", ev.PeerHeight).
			Str("user_agent", ev.UserAgent).
			Msg("Peer ready, starting header sync")
		ix.phase = phaseHeaderSync
		if err := sess.RequestHeaders(ix.cache.Locator()); err != nil {
			return true, nil
		}

	case p2p.HeadersBatchEvent:
		if err := ix.handleHeaders(sess, ev.Headers); err != nil {
			return false, err
		}

	case p2p.BlockEvent:
		if err := ix.handleBlock(sess, ev); err != nil {
			return false, err
		}

	case p2p.DisconnectedEvent:
		ix.logger.Warn().Str("reason", string(ev.Reason)).Msg("Session ended")
		return true, nil
	}
	return false, nil
}

// handleHeaders ingests one headers batch (phase 1). An empty batch
// means the tip is synced and the block scan starts.
func (ix *Indexer) handleHeaders(sess session, headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		_, tipHeight, _ := ix.cache.BestTip()
		ix.logger.Info().Uint64("tip", tipHeight).Msg("Header chain synced")
		return ix.startBlockScan(sess)
	}

	var connected []wire.BlockHeader
	var heights []uint64
	for _, h := range headers {
		res := ix.cache.Insert(h)
		switch res.Status {
		case headercache.StatusConnected:
			connected = append(connected, h)
			heights = append(heights, res.Height)
			if res.Reorg != nil {
				ix.handleReorg(res.Reorg)
			}
		case headercache.StatusOrphan, headercache.StatusDuplicate:
			// Locator overlap and out-of-order delivery are routine.
		default:
			// Invalid headers are already counted by the cache.
		}
	}

	if len(connected) > 0 {
		if err := ix.persistWithRetry(func() error {
			return ix.store.PersistHeaders(connected, heights)
		}); err != nil {
			return err
		}
	}

	// Non-empty batch: keep pulling with an updated locator.
	if err := sess.RequestHeaders(ix.cache.Locator()); err != nil {
		ix.logger.Warn().Err(err).Msg("getheaders failed")
	}
	return nil
}

// handleReorg rewinds the cursor when the fork point undercuts it. The
// rescan picks the new branch up from the common ancestor; already
// published notifications are not retracted.
func (ix *Indexer) handleReorg(reorg *headercache.Reorg) {
	ix.logger.Warn().
		Uint64("ancestor_height", reorg.AncestorHeight).
		Int("depth", reorg.Depth()).
		Msg("Reorg detected")

	if !ix.haveCursor || reorg.AncestorHeight >= ix.cursor.Height {
		return
	}
	ix.cursor = store.Cursor{Height: reorg.AncestorHeight, BlockHash: reorg.CommonAncestor}
	if err := ix.store.SaveCursor(ix.cursor); err != nil {
		ix.logger.Error().Err(err).Msg("Cursor rewind failed")
		return
	}
	ix.logger.Info().Uint64("height", ix.cursor.Height).Msg("Cursor rewound to fork point")

	// Invalidate any in-flight window; the next scan restarts from the
	// rewound cursor.
	if ix.phase == phaseBlockScan {
		ix.phase = phaseHeaderSync
		ix.arrived = make(map[types.Hash]*p2p.BlockEvent)
	}
}

// startBlockScan begins (or resumes) phase 2.
func (ix *Indexer) startBlockScan(sess session) error {
	_, tipHeight, _ := ix.cache.BestTip()
	from := ix.scanFloor()
	if from > tipHeight {
		ix.phase = phaseIdle
		return nil
	}
	ix.phase = phaseBlockScan
	ix.nextHeight = from
	return ix.requestWindow(sess)
}

// requestWindow issues getdata for the next window of main-chain
// blocks, serving cached blocks without touching the network.
func (ix *Indexer) requestWindow(sess session) error {
	_, tipHeight, _ := ix.cache.BestTip()
	if ix.nextHeight > tipHeight {
		ix.phase = phaseIdle
		return nil
	}

	end := ix.nextHeight + uint64(ix.cfg.Batch) - 1
	if end > tipHeight {
		end = tipHeight
	}
	ix.windowEnd = end

	var want []types.Hash
	for h := ix.nextHeight; h <= end; h++ {
		hash, ok := ix.cache.HeaderAt(h)
		if !ok {
			return fmt.Errorf("main chain has no header at height %d", h)
		}
		cached, err := ix.blocks.HasBlock(hash)
		if err != nil {
			ix.logger.Warn().Err(err).Msg("Block cache probe failed")
		}
		if cached {
			continue
		}
		want = append(want, hash)
	}

	ix.logger.Info().
		Uint64("from", ix.nextHeight).
		Uint64("to", end).
		Int("fetching", len(want)).
		Msg("Scanning block window")

	if len(want) > 0 {
		if err := sess.RequestBlocks(want); err != nil {
			ix.logger.Warn().Err(err).Msg("getdata failed")
			return nil
		}
	}
	// Process whatever is already cached (possibly the whole window).
	return ix.drainProcessable(sess)
}

// handleBlock buffers one downloaded block and processes everything now
// in order.
func (ix *Indexer) handleBlock(sess session, ev p2p.BlockEvent) error {
	if ix.phase != phaseBlockScan {
		return nil // stale delivery from an invalidated window
	}
	ix.arrived[ev.Hash] = &ev
	return ix.drainProcessable(sess)
}

// drainProcessable processes blocks in main-chain order as far as
// arrivals and the cache allow, then advances the window.
func (ix *Indexer) drainProcessable(sess session) error {
	for ix.nextHeight <= ix.windowEnd {
		hash, ok := ix.cache.HeaderAt(ix.nextHeight)
		if !ok {
			return fmt.Errorf("main chain lost height %d mid-window", ix.nextHeight)
		}

		var blk *wire.MsgBlock
		var raw []byte
		if ev, ok := ix.arrived[hash]; ok {
			blk, raw = ev.Block, ev.Raw
			delete(ix.arrived, hash)
		} else if cached, err := ix.blocks.HasBlock(hash); err == nil && cached {
			loaded, err := ix.blocks.GetBlock(hash)
			if err != nil {
				return fmt.Errorf("load cached block %s: %w", hash, err)
			}
			blk = loaded
		} else {
			return nil // wait for the network
		}

		if err := ix.processBlock(hash, ix.nextHeight, blk, raw); err != nil {
			return err
		}
		ix.nextHeight++
	}

	if ix.phase == phaseBlockScan {
		return ix.requestWindow(sess)
	}
	return nil
}

// processBlock parses, caches, persists, and publishes one block.
func (ix *Indexer) processBlock(hash types.Hash, height uint64, blk *wire.MsgBlock, raw []byte) error {
	if raw != nil {
		if err := ix.blocks.PutBlock(blk, raw, height); err != nil {
			ix.logger.Warn().Err(err).Str("hash", hash.String()).Msg("Block cache write failed")
		}
	}

	var events []*vault.Event
	var unitTxs []*vault.UnitTx
	for i := range blk.Transactions {
		tx := &blk.Transactions[i]

		if unit := vault.ParseUnitTx(tx, hash, height); unit != nil {
			unitTxs = append(unitTxs, unit)
		}

		ev, err := ix.parser.ParseTx(tx, ix.lookupTx, hash, height)
		if err != nil {
			ix.parseErrors++
			ix.logger.Warn().Err(err).Msg("Vault transaction skipped")
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}

	if err := ix.persistWithRetry(func() error {
		return ix.store.PersistBlock(hash, height, events, unitTxs)
	}); err != nil {
		return err
	}
	ix.cursor = store.Cursor{Height: height, BlockHash: hash}
	ix.haveCursor = true

	// Publish in transaction order, after the block is durable.
	for _, ev := range events {
		ix.bus.Publish(bus.Notification{Event: ev})
	}

	if len(events) > 0 {
		ix.logger.Info().
			Uint64("height", height).
			Int("events", len(events)).
			Int("unit_txs", len(unitTxs)).
			Msg("Indexed block")
	}
	return nil
}

// persistWithRetry retries a store write with backoff; persistence
// failures are fatal once retries exhaust.
func (ix *Indexer) persistWithRetry(write func() error) error {
	backoff := backoffStart
	var err error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		ix.logger.Error().Err(err).Int("attempt", attempt).Msg("Persistence failed, retrying")
		time.Sleep(jittered(backoff))
		backoff = nextBackoff(backoff)
	}
	return fmt.Errorf("persistence failed after %d attempts: %w", persistRetries, err)
}

// ParseErrors returns the count of skipped vault transactions.
func (ix *Indexer) ParseErrors() uint64 {
	return ix.parseErrors
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// jittered spreads a delay by ±backoffJitter.
func jittered(d time.Duration) time.Duration {
	f := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
