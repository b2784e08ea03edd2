package store

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// Store is the relational persistence handle. It is owned by a single
// worker; methods are not safe for concurrent writes.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open opens (or creates) the SQLite database at path and runs the
// schema migration.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	// One connection: the store has a single writer, and SQLite
	// in-memory databases are per-connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&VaultEventRecord{},
		&UnitTxRecord{},
		&HeaderRecord{},
		&CursorRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PersistBlock writes all events and unit transactions extracted from a
// block and advances the cursor, atomically. Re-persisting a block
// (rescan) is a no-op for rows that already exist.
func (s *Store) PersistBlock(blockHash types.Hash, height uint64, events []*vault.Event, unitTxs []*vault.UnitTx) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, ev := range events {
			rec := recordFromEvent(ev)
			res := tx.Where("tx_id = ?", rec.TxID).FirstOrCreate(rec)
			if res.Error != nil {
				return fmt.Errorf("persist event %s: %w", rec.TxID, res.Error)
			}
		}
		for _, ut := range unitTxs {
			rec := &UnitTxRecord{
				TxID:      ut.TxID.String(),
				Amount:    ut.Amount,
				BlockHash: ut.BlockHash.String(),
				Height:    ut.Height,
			}
			res := tx.Where("tx_id = ?", rec.TxID).FirstOrCreate(rec)
			if res.Error != nil {
				return fmt.Errorf("persist unit tx %s: %w", rec.TxID, res.Error)
			}
		}
		cursor := &CursorRecord{ID: cursorRowID, Height: height, BlockHash: blockHash.String()}
		if err := tx.Save(cursor).Error; err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return nil
	})
}

// LoadCursor returns the persisted scan cursor, or nil when the scan has
// never run.
func (s *Store) LoadCursor() (*Cursor, error) {
	var rec CursorRecord
	err := s.db.First(&rec, cursorRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	hash, err := types.HexToHash(rec.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("cursor block hash: %w", err)
	}
	return &Cursor{Height: rec.Height, BlockHash: hash}, nil
}

// SaveCursor overwrites the cursor outside a block write. Used for
// reorg rewinds and --rescan resets.
func (s *Store) SaveCursor(c Cursor) error {
	rec := &CursorRecord{ID: cursorRowID, Height: c.Height, BlockHash: c.BlockHash.String()}
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// VaultIDForTx resolves a txid to its vault id via the materialized
// event table. Returns false when the txid is not a known vault
// transition.
func (s *Store) VaultIDForTx(txid types.Hash) (types.Hash, bool, error) {
	var rec VaultEventRecord
	err := s.db.Select("vault_id").Where("tx_id = ?", txid.String()).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("vault id lookup: %w", err)
	}
	id, err := types.HexToHash(rec.VaultID)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("stored vault id %q: %w", rec.VaultID, err)
	}
	return id, true, nil
}

// PersistHeaders upserts a batch of connected headers with their
// heights (parallel slices).
func (s *Store) PersistHeaders(headers []wire.BlockHeader, heights []uint64) error {
	if len(headers) == 0 {
		return nil
	}
	if len(headers) != len(heights) {
		return fmt.Errorf("headers/heights length mismatch: %d != %d", len(headers), len(heights))
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i := range headers {
			rec := &HeaderRecord{
				Hash:   headers[i].BlockHash().String(),
				Height: heights[i],
				Raw:    headers[i].Bytes(),
			}
			if err := tx.Save(rec).Error; err != nil {
				return fmt.Errorf("persist header %s: %w", rec.Hash, err)
			}
		}
		return nil
	})
}
