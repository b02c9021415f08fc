package btree

import (
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Manager owns every column index for one (database, table) and
// implements an automatic-indexing heuristic: a column's
// equality-predicate use-count crossing autoIndexThreshold triggers an
// opportunistic build, run synchronously inside RecordUse and bounded
// by maxIndexesPerTable.
type Manager struct {
	dir                string
	order              int
	autoIndexThreshold int64
	maxIndexesPerTable int

	mu       sync.RWMutex
	indexes  map[string]*Tree
	useCount map[string]*atomic.Int64
}

func NewManager(dir string, order int, autoIndexThreshold int64, maxIndexesPerTable int) *Manager {
	return &Manager{
		dir:                dir,
		order:              order,
		autoIndexThreshold: autoIndexThreshold,
		maxIndexesPerTable: maxIndexesPerTable,
		indexes:            make(map[string]*Tree),
		useCount:           make(map[string]*atomic.Int64),
	}
}

func (m *Manager) indexPath(column string) string {
	return filepath.Join(m.dir, "index."+column+".file")
}

// Open loads the index for column from disk, building an empty one if
// the file is absent; a corrupt file is a fatal error, not silently
// treated as empty.
func (m *Manager) Open(column string) (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.indexes[column]; ok {
		return t, nil
	}

	t, err := Load(m.indexPath(column))
	switch {
	case err == nil:
		// loaded
	case err == ErrIndexNotFound:
		t = New(m.order)
	default:
		return nil, err
	}
	m.indexes[column] = t
	return t, nil
}

// Has reports whether column already has an index built.
func (m *Manager) Has(column string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[column]
	return ok
}

// Count returns how many indexes this table currently holds.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indexes)
}

// RecordUse increments column's equality-predicate use-count and, if it
// crosses autoIndexThreshold and the table is under maxIndexesPerTable,
// opportunistically builds an index for it from rows supplied by
// buildFrom. Safe to call on every predicate evaluation.
func (m *Manager) RecordUse(column string, buildFrom func() (map[string][]uuid.UUID, error)) {
	m.mu.Lock()
	counter, ok := m.useCount[column]
	if !ok {
		counter = &atomic.Int64{}
		m.useCount[column] = counter
	}
	alreadyIndexed := false
	if _, exists := m.indexes[column]; exists {
		alreadyIndexed = true
	}
	atTableLimit := len(m.indexes) >= m.maxIndexesPerTable
	m.mu.Unlock()

	count := counter.Add(1)
	if alreadyIndexed || atTableLimit || count < m.autoIndexThreshold {
		return
	}

	entries, err := buildFrom()
	if err != nil {
		log.Printf("btree: auto-index build failed for column %s: %v", column, err)
		return
	}

	t := New(m.order)
	for encodedValue, rowIDs := range entries {
		for _, id := range rowIDs {
			t.Insert([]byte(encodedValue), id)
		}
	}

	m.mu.Lock()
	if _, exists := m.indexes[column]; !exists && len(m.indexes) < m.maxIndexesPerTable {
		m.indexes[column] = t
		log.Printf("btree: auto-built index for column %s (%d distinct values)", column, t.Len())
	}
	m.mu.Unlock()
}

// PersistAll saves every open index to disk, called by the storage
// scheduler in the same tick that persists row storage.
func (m *Manager) PersistAll() error {
	m.mu.RLock()
	snapshot := make(map[string]*Tree, len(m.indexes))
	for col, t := range m.indexes {
		snapshot[col] = t
	}
	m.mu.RUnlock()

	var firstErr error
	for col, t := range snapshot {
		if err := t.Save(m.indexPath(col)); err != nil {
			log.Printf("btree: persisting index %s failed: %v", col, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
