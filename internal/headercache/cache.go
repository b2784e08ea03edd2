// Package headercache maintains the in-memory index of all known block
// headers: fork tracking, orphan buffering, and main-chain selection by
// heaviest accumulated work.
package headercache

import (
	"math/big"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// DefaultMaxOrphans bounds the orphan buffer; the oldest entries are
// evicted when it overflows.
const DefaultMaxOrphans = 4096

// medianTimeSpan is the number of ancestors consulted for the
// median-time-past timestamp rule.
const medianTimeSpan = 11

// Status classifies the outcome of an Insert.
type Status int

const (
	// StatusConnected means the header extended a known chain.
	StatusConnected Status = iota
	// StatusOrphan means the predecessor is unknown; the header is buffered.
	StatusOrphan
	// StatusDuplicate means the header is already present.
	StatusDuplicate
	// StatusInvalidPoW means the header hash exceeds its own target.
	StatusInvalidPoW
	// StatusInvalidLink means the predecessor is present but the header
	// violates the elementary linkage rules.
	StatusInvalidLink
)

// String returns a short name for logging.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusOrphan:
		return "orphan"
	case StatusDuplicate:
		return "duplicate"
	case StatusInvalidPoW:
		return "invalid_pow"
	case StatusInvalidLink:
		return "invalid_link"
	default:
		return "unknown"
	}
}

// Reorg describes a main-chain switch: the hashes leaving the main chain
// and the hashes joining it, both ordered ascending by height, excluding
// the common ancestor.
type Reorg struct {
	CommonAncestor types.Hash
	AncestorHeight uint64
	Removed        []types.Hash
	Added          []types.Hash
}

// Depth is the number of blocks removed from the old main chain.
func (r *Reorg) Depth() int {
	return len(r.Removed)
}

// InsertResult reports what an Insert did.
type InsertResult struct {
	Status     Status
	Hash       types.Hash
	Height     uint64 // valid when Status == StatusConnected
	NewBestTip bool
	// Reorg is non-nil when the insert elevated a fork over the previous
	// best chain. A pure extension of the current tip has NewBestTip set
	// and Reorg nil.
	Reorg *Reorg
}

// Stats counts dropped and buffered headers across the cache lifetime.
type Stats struct {
	Connected      uint64
	Duplicates     uint64
	InvalidPoW     uint64
	InvalidLink    uint64
	OrphansBuffered uint64
	OrphansEvicted uint64
	Reorgs         uint64
}

// node is one entry in the header arena. Parent/child links never form a
// cycle: a header's hash commits to its predecessor.
type node struct {
	header   wire.BlockHeader
	hash     types.Hash
	parent   *node
	children []*node
	height   uint64
	work     *big.Int // cumulative work from the root
}

// Cache is the header index. All methods are safe for concurrent use;
// mutations are serialized internally and never block on I/O.
type Cache struct {
	mu sync.RWMutex

	nodes map[types.Hash]*node
	root  *node
	best  *node

	// mainChain[i] is the hash at height rootHeight+i on the current
	// best chain. Rebuilt incrementally on extension and reorg.
	mainChain  []types.Hash
	rootHeight uint64

	// orphans are buffered headers keyed by their predecessor hash.
	orphans     map[types.Hash][]wire.BlockHeader
	orphanOrder []types.Hash // insertion order of orphan hashes, for eviction
	orphanSet   map[types.Hash]struct{}
	maxOrphans  int

	stats  Stats
	logger zerolog.Logger
}

// New creates a cache rooted at the given header. The root is the
// genesis or a trusted checkpoint; its own PoW is not revalidated.
func New(root wire.BlockHeader, rootHeight uint64, logger zerolog.Logger) *Cache {
	rootNode := &node{
		header: root,
		hash:   root.BlockHash(),
		height: rootHeight,
		work:   root.Work(),
	}
	c := &Cache{
		nodes:      map[types.Hash]*node{rootNode.hash: rootNode},
		root:       rootNode,
		best:       rootNode,
		mainChain:  []types.Hash{rootNode.hash},
		rootHeight: rootHeight,
		orphans:    make(map[types.Hash][]wire.BlockHeader),
		orphanSet:  make(map[types.Hash]struct{}),
		maxOrphans: DefaultMaxOrphans,
		logger:     logger,
	}
	return c
}

// SetMaxOrphans overrides the orphan buffer bound.
func (c *Cache) SetMaxOrphans(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.maxOrphans = n
	}
}

// Insert adds a header to the cache. Orphans are buffered and retried
// automatically when their predecessor arrives. Invalid headers are
// dropped and counted; they never poison the cache.
func (c *Cache) Insert(header wire.BlockHeader) InsertResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(header, true)
}

func (c *Cache) insertLocked(header wire.BlockHeader, allowOrphan bool) InsertResult {
	hash := header.BlockHash()

	if _, ok := c.nodes[hash]; ok {
		c.stats.Duplicates++
		return InsertResult{Status: StatusDuplicate, Hash: hash}
	}

	if err := header.CheckProofOfWork(); err != nil {
		c.stats.InvalidPoW++
		c.logger.Warn().Str("hash", hash.String()).Err(err).Msg("Header failed PoW check")
		return InsertResult{Status: StatusInvalidPoW, Hash: hash}
	}

	parent, ok := c.nodes[header.PrevBlock]
	if !ok {
		if allowOrphan {
			c.bufferOrphan(header, hash)
		}
		return InsertResult{Status: StatusOrphan, Hash: hash}
	}

	if reason := c.checkLink(parent, &header); reason != "" {
		c.stats.InvalidLink++
		c.logger.Warn().
			Str("hash", hash.String()).
			Str("reason", reason).
			Msg("Header failed link check")
		return InsertResult{Status: StatusInvalidLink, Hash: hash}
	}

	n := &node{
		header: header,
		hash:   hash,
		parent: parent,
		height: parent.height + 1,
		work:   new(big.Int).Add(parent.work, header.Work()),
	}
	parent.children = append(parent.children, n)
	c.nodes[hash] = n
	c.stats.Connected++

	result := InsertResult{Status: StatusConnected, Hash: hash, Height: n.height}

	// Best-tip selection: strictly more work wins; ties keep the incumbent.
	if n.work.Cmp(c.best.work) > 0 {
		result.NewBestTip = true
		result.Reorg = c.adoptTip(n)
	}

	// Retry any orphans waiting on this header.
	c.adoptOrphans(hash, &result)

	return result
}

// bufferOrphan stores a header whose predecessor is unknown, evicting the
// oldest entries when the buffer is full.
func (c *Cache) bufferOrphan(header wire.BlockHeader, hash types.Hash) {
	if _, ok := c.orphanSet[hash]; ok {
		return // already buffered
	}
	for len(c.orphanSet) >= c.maxOrphans && len(c.orphanOrder) > 0 {
		c.evictOldestOrphan()
	}
	c.orphans[header.PrevBlock] = append(c.orphans[header.PrevBlock], header)
	c.orphanOrder = append(c.orphanOrder, hash)
	c.orphanSet[hash] = struct{}{}
	c.stats.OrphansBuffered++
}

func (c *Cache) evictOldestOrphan() {
	oldest := c.orphanOrder[0]
	c.orphanOrder = c.orphanOrder[1:]
	if _, ok := c.orphanSet[oldest]; !ok {
		return // already adopted
	}
	delete(c.orphanSet, oldest)
	c.stats.OrphansEvicted++
	// Remove it from its prev-hash bucket.
	for prev, bucket := range c.orphans {
		for i := range bucket {
			if bucket[i].BlockHash() == oldest {
				c.orphans[prev] = append(bucket[:i], bucket[i+1:]...)
				if len(c.orphans[prev]) == 0 {
					delete(c.orphans, prev)
				}
				return
			}
		}
	}
}

// adoptOrphans connects buffered orphans whose predecessor just arrived,
// cascading through any chains they unlock. The strongest resulting tip
// is reflected in result.
func (c *Cache) adoptOrphans(parentHash types.Hash, result *InsertResult) {
	queue := []types.Hash{parentHash}
	for len(queue) > 0 {
		prev := queue[0]
		queue = queue[1:]

		bucket, ok := c.orphans[prev]
		if !ok {
			continue
		}
		delete(c.orphans, prev)

		for _, orphan := range bucket {
			ohash := orphan.BlockHash()
			delete(c.orphanSet, ohash)
			res := c.insertLocked(orphan, false)
			if res.Status != StatusConnected {
				continue
			}
			if res.NewBestTip {
				result.NewBestTip = true
				if res.Reorg != nil {
					result.Reorg = res.Reorg
				}
			}
			queue = append(queue, ohash)
		}
	}
}

// checkLink enforces the elementary rules a connected header must satisfy
// against its ancestry. Full difficulty-transition validation is out of
// scope; the 30-second signet variant retargets on its own schedule.
func (c *Cache) checkLink(parent *node, header *wire.BlockHeader) string {
	if header.Timestamp <= medianTimePast(parent) {
		return "timestamp not above median time past"
	}
	return ""
}

// medianTimePast returns the median timestamp of the eleven headers
// ending at n (fewer near the root).
func medianTimePast(n *node) uint32 {
	timestamps := make([]uint32, 0, medianTimeSpan)
	for cur := n; cur != nil && len(timestamps) < medianTimeSpan; cur = cur.parent {
		timestamps = append(timestamps, cur.header.Timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2]
}

// adoptTip switches the best tip to n, returning reorg details when the
// switch crosses a fork (nil for a pure extension).
func (c *Cache) adoptTip(n *node) *Reorg {
	old := c.best
	c.best = n

	// Fast path: extending the current main chain.
	if n.parent == old {
		c.mainChain = append(c.mainChain, n.hash)
		return nil
	}

	ancestor, removed, added := c.forkPaths(old, n)

	// Rebuild the height index from the ancestor up.
	cut := ancestor.height - c.rootHeight + 1
	c.mainChain = append(c.mainChain[:cut], added...)

	if len(removed) == 0 {
		// Still the same path, just more than one block ahead (orphan
		// adoption can connect several headers at once).
		return nil
	}

	c.stats.Reorgs++
	c.logger.Info().
		Uint64("ancestor_height", ancestor.height).
		Int("removed", len(removed)).
		Int("added", len(added)).
		Msg("Chain reorganized")

	return &Reorg{
		CommonAncestor: ancestor.hash,
		AncestorHeight: ancestor.height,
		Removed:        removed,
		Added:          added,
	}
}

// forkPaths walks oldTip and newTip back to their lowest common ancestor.
// Returned paths are ascending by height and exclude the ancestor.
func (c *Cache) forkPaths(oldTip, newTip *node) (ancestor *node, removed, added []types.Hash) {
	a, b := oldTip, newTip
	for a.height > b.height {
		removed = append(removed, a.hash)
		a = a.parent
	}
	for b.height > a.height {
		added = append(added, b.hash)
		b = b.parent
	}
	for a != b {
		removed = append(removed, a.hash)
		added = append(added, b.hash)
		a = a.parent
		b = b.parent
	}
	reverse(removed)
	reverse(added)
	return a, removed, added
}

func reverse(hashes []types.Hash) {
	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
}

// BestTip returns the hash, height, and cumulative work of the best tip.
func (c *Cache) BestTip() (types.Hash, uint64, *big.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.hash, c.best.height, new(big.Int).Set(c.best.work)
}

// HeaderAt returns the main-chain hash at the given height, or false if
// the height is outside the current main chain.
func (c *Cache) HeaderAt(height uint64) (types.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < c.rootHeight || height > c.best.height {
		return types.Hash{}, false
	}
	return c.mainChain[height-c.rootHeight], true
}

// Header returns the header and height for a hash, main chain or not.
func (c *Cache) Header(hash types.Hash) (wire.BlockHeader, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[hash]
	if !ok {
		return wire.BlockHeader{}, 0, false
	}
	return n.header, n.height, true
}

// Contains reports whether the hash is a connected header.
func (c *Cache) Contains(hash types.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[hash]
	return ok
}

// Locator builds a block locator for a getheaders request: the best tip,
// dense for the first ten entries, then exponentially sparser, always
// ending at the root.
func (c *Cache) Locator() []types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var locator []types.Hash
	step := uint64(1)
	height := c.best.height
	for {
		locator = append(locator, c.mainChain[height-c.rootHeight])
		if height <= c.rootHeight {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if height < c.rootHeight+step {
			height = c.rootHeight
		} else {
			height -= step
		}
	}
	return locator
}

// AncestorOnMainChain returns the lowest common ancestor of the given
// header and the current best tip.
func (c *Cache) AncestorOnMainChain(hash types.Hash) (types.Hash, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, ok := c.nodes[hash]
	if !ok {
		return types.Hash{}, 0, false
	}
	for ; n != nil; n = n.parent {
		idx := n.height - c.rootHeight
		if idx < uint64(len(c.mainChain)) && c.mainChain[idx] == n.hash {
			return n.hash, n.height, true
		}
	}
	return types.Hash{}, 0, false
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Len returns the number of connected headers (the root included).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}
