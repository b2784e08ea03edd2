package blockcache

import (
	"encoding/binary"
	"fmt"

	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// Key prefixes for the block cache.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> raw block bytes
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txid(32)> -> blockHash(32)
)

// Cache stores raw block bodies and a txid → block index over a DB.
type Cache struct {
	db DB
}

// New creates a block cache backed by the given database.
func New(db DB) *Cache {
	return &Cache{db: db}
}

func blockKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(txid types.Hash) []byte {
	return append(append([]byte{}, prefixTx...), txid[:]...)
}

// PutBlock stores a raw block and indexes it by hash, height, and the
// txids of its transactions, in one atomic batch. A later block at the
// same height (reorg) overwrites the height index entry.
func (c *Cache) PutBlock(blk *wire.MsgBlock, raw []byte, height uint64) error {
	hash := blk.Header.BlockHash()
	pairs := make([]KV, 0, 2+len(blk.Transactions))
	pairs = append(pairs,
		KV{Key: blockKey(hash), Value: raw},
		KV{Key: heightKey(height), Value: hash.Bytes()},
	)
	for i := range blk.Transactions {
		pairs = append(pairs, KV{
			Key:   txKey(blk.Transactions[i].TxID()),
			Value: hash.Bytes(),
		})
	}
	if err := c.db.PutBatch(pairs); err != nil {
		return fmt.Errorf("cache block %s: %w", hash, err)
	}
	return nil
}

// GetBlock retrieves and decodes a block by its hash.
func (c *Cache) GetBlock(hash types.Hash) (*wire.MsgBlock, error) {
	raw, found, err := c.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("block %s not cached", hash)
	}
	var blk wire.MsgBlock
	if err := blk.Decode(raw); err != nil {
		return nil, fmt.Errorf("block decode: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block via the height index.
func (c *Cache) GetBlockByHeight(height uint64) (*wire.MsgBlock, error) {
	hashBytes, found, err := c.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("height %d not indexed", height)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return c.GetBlock(hash)
}

// HasBlock checks if a block is cached.
func (c *Cache) HasBlock(hash types.Hash) (bool, error) {
	return c.db.Has(blockKey(hash))
}

// GetTx looks up a cached transaction by txid via the tx index.
func (c *Cache) GetTx(txid types.Hash) (*wire.MsgTx, error) {
	hashBytes, found, err := c.db.Get(txKey(txid))
	if err != nil {
		return nil, fmt.Errorf("tx index get: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("tx %s not cached", txid)
	}
	var blockHash types.Hash
	copy(blockHash[:], hashBytes)
	blk, err := c.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for i := range blk.Transactions {
		if blk.Transactions[i].TxID() == txid {
			return &blk.Transactions[i], nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", txid, blockHash)
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
