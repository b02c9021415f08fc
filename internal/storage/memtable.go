package storage

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
)

// MemTable is an ordered, in-memory map from key to value-or-tombstone.
// Insertion order is irrelevant; iteration is always key-ordered.
//
// State machine: Active -> Sealed. After Seal, all mutating operations
// fail with ErrSealed. Concurrent readers are always permitted; callers
// are responsible for serializing unsealed writers (the engine's write
// mutex does this).
type MemTable struct {
	mu      sync.RWMutex
	entries map[string]Value
	keys    []string // sorted; rebuilt lazily
	dirty   bool
	size    atomic.Int64
	sealed  atomic.Bool
}

// entryOverheadBytes approximates the per-entry bookkeeping cost charged
// against the size bound, beyond the raw key+value bytes.
const entryOverheadBytes = 32

func NewMemTable() *MemTable {
	return &MemTable{
		entries: make(map[string]Value),
	}
}

func (mt *MemTable) Put(key, value []byte, seq uint64) error {
	if mt.sealed.Load() {
		return ErrSealed
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.setLocked(key, Value{Bytes: append([]byte(nil), value...), Sequence: seq})
	return nil
}

func (mt *MemTable) Delete(key []byte, seq uint64) error {
	if mt.sealed.Load() {
		return ErrSealed
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.setLocked(key, Value{Tombstone: true, Sequence: seq})
	return nil
}

func (mt *MemTable) setLocked(key []byte, v Value) {
	k := string(key)
	old, existed := mt.entries[k]
	mt.entries[k] = v
	delta := int64(len(key)+len(v.Bytes)+entryOverheadBytes)
	if existed {
		delta -= int64(len(key) + len(old.Bytes) + entryOverheadBytes)
	} else {
		mt.dirty = true
	}
	mt.size.Add(delta)
}

// Get returns the value for key and true if present (live value or
// tombstone); false if absent entirely.
func (mt *MemTable) Get(key []byte) (Value, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	v, ok := mt.entries[string(key)]
	return v, ok
}

func (mt *MemTable) SizeBytes() int64 {
	return mt.size.Load()
}

func (mt *MemTable) Seal() {
	mt.sealed.Store(true)
}

func (mt *MemTable) Sealed() bool {
	return mt.sealed.Load()
}

func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.entries)
}

// rebuildIndex rebuilds the sorted key slice if entries changed since
// it was last built. It takes mt.mu itself; callers must not hold it.
func (mt *MemTable) rebuildIndex() {
	mt.mu.Lock()
	if mt.dirty {
		keys := make([]string, 0, len(mt.entries))
		for k := range mt.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		mt.keys = keys
		mt.dirty = false
	}
	mt.mu.Unlock()
}

// Iterate calls fn for every entry in ascending key order. fn receives a
// snapshot copy; it must not mutate the memtable.
func (mt *MemTable) Iterate(fn func(key []byte, v Value) bool) {
	mt.rebuildIndex()
	mt.mu.RLock()
	keys := mt.keys
	snapshot := make(map[string]Value, len(mt.entries))
	for k, v := range mt.entries {
		snapshot[k] = v
	}
	mt.mu.RUnlock()

	for _, k := range keys {
		v, ok := snapshot[k]
		if !ok {
			continue
		}
		if !fn([]byte(k), v) {
			return
		}
	}
}

// Range streams entries whose key lies in [lo, hi] (either bound may be
// nil to mean unbounded), in ascending order.
func (mt *MemTable) Range(lo, hi []byte, fn func(key []byte, v Value) bool) {
	mt.Iterate(func(key []byte, v Value) bool {
		if lo != nil && bytes.Compare(key, lo) < 0 {
			return true
		}
		if hi != nil && bytes.Compare(key, hi) > 0 {
			return false
		}
		return fn(key, v)
	})
}
