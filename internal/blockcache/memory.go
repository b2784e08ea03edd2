package blockcache

import "sync"

// MemoryDB implements DB using an in-memory map. Used when no cache
// directory is configured, and by tests.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key; an absent key is not an error.
func (m *MemoryDB) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	return v, ok, nil
}

// PutBatch stores all pairs under the same lock.
func (m *MemoryDB) PutBatch(pairs []KV) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range pairs {
		m.data[string(kv.Key)] = kv.Value
	}
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}
