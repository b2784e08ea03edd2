package blockcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB implements DB on Badger. Block bodies are large blobs, so
// the cache leans on value-log storage and never iterates; everything
// goes through point lookups and per-block write batches.
type BadgerDB struct {
	db *badger.DB
}

// NewBadger opens the block cache database at the given path.
func NewBadger(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger's built-in logging.

	db, err := badger.Open(opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("block cache at %s is locked by another process (is another indexer instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open block cache at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

// Get retrieves a value by key; an absent key is not an error.
func (b *BadgerDB) Get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}
	return val, true, nil
}

// PutBatch writes a block's body and index entries in one transaction.
func (b *BadgerDB) PutBatch(pairs []KV) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, kv := range pairs {
			if err := txn.Set(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger batch put: %w", err)
	}
	return nil
}

// Has checks if a key exists without copying its value.
func (b *BadgerDB) Has(key []byte) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger has: %w", err)
	}
	return true, nil
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	return b.db.Close()
}
