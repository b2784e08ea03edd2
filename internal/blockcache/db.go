// Package blockcache caches raw block bodies on disk so a rescan can
// replay locally instead of re-downloading from the peer.
package blockcache

// KV is one key/value pair of a batched write.
type KV struct {
	Key   []byte
	Value []byte
}

// DB is the storage the cache runs on. The shape follows the cache's
// access pattern: point reads for blocks and index entries, and one
// atomic batch per stored block (body, height index, tx index entries
// land together or not at all).
type DB interface {
	// Get returns the value for key, with found=false (not an error)
	// for an absent key.
	Get(key []byte) (value []byte, found bool, err error)
	// PutBatch writes all pairs atomically.
	PutBatch(pairs []KV) error
	Has(key []byte) (bool, error)
	Close() error
}
