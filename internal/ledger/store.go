package ledger

import (
	"context"
	"sync"
)

// Snapshot is a stored Usage together with the version it was read at.
type Snapshot struct {
	Usage   Usage
	Version int64
}

// Store persists one Usage per period. CompareAndSwap must be atomic: it
// writes u only if the stored version still equals version (0 meaning "not
// present yet") and bumps the version on success.
type Store interface {
	Get(ctx context.Context, key PeriodKey) (Snapshot, bool, error)
	CompareAndSwap(ctx context.Context, key PeriodKey, version int64, u Usage) (bool, error)
	Set(ctx context.Context, key PeriodKey, u Usage) error
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[PeriodKey]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[PeriodKey]Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, key PeriodKey) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return Snapshot{Usage: s.Usage.Clone(), Version: s.Version}, true, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key PeriodKey, version int64, u Usage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.data[key]
	if cur.Version != version {
		return false, nil
	}
	m.data[key] = Snapshot{Usage: u.Clone(), Version: version + 1}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, key PeriodKey, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.data[key]
	m.data[key] = Snapshot{Usage: u.Clone(), Version: cur.Version + 1}
	return nil
}
