package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config tunes one Engine instance.
type Config struct {
	MemTableSizeBytes       int64
	ImmutableQueueHighWater int
	ImmutableQueueLowWater  int
	BackpressureTimeout     time.Duration
	Durability              DurabilityMode
	Compaction              CompactionConfig
}

func DefaultConfig() Config {
	return Config{
		MemTableSizeBytes:       16 * 1024 * 1024,
		ImmutableQueueHighWater: 4,
		ImmutableQueueLowWater:  1,
		BackpressureTimeout:     10 * time.Second,
		Durability:              DurabilitySync,
		Compaction:              DefaultCompactionConfig(),
	}
}

// sealedMemTable pairs an immutable memtable with the WAL file(s) whose
// records it alone covers. Those files must not be removed until mt is
// durably flushed to an SSTable.
type sealedMemTable struct {
	mt       *MemTable
	walPaths []string
}

// Engine coordinates one (database, table)'s WAL, memtable rotation,
// SSTable set, and compaction triggering.
type Engine struct {
	dir string
	cfg Config
	wal *WAL // the WAL backing the current active memtable's generation

	mu        sync.Mutex // covers: wal append, active memtable mutation, sequence increment
	cond      *sync.Cond // signaled on flush completion; guards immutable queue backpressure
	active    *MemTable
	immutable []*sealedMemTable // oldest first; newest appended at the back

	sstMu    sync.RWMutex
	sstables []*SSTable // newest-first

	seq           atomic.Uint64
	nextSST       atomic.Uint64
	walGen        atomic.Uint64 // generation number of the next WAL file to create
	closed        atomic.Bool
	unrecoverable atomic.Bool

	flushTrigger chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// walFileName returns the on-disk name of the WAL segment for gen. Each
// memtable generation gets its own WAL file so a flushed generation's
// segment can be deleted outright instead of truncating a file the new
// active memtable may already be appending to.
func walFileName(gen uint64) string {
	return fmt.Sprintf("wal-%d.log", gen)
}

// OpenEngine recovers an engine rooted at dir: deletes orphaned .tmp
// outputs, loads SSTables sorted by file id, opens the WAL, and
// replays any surviving records into a fresh memtable, adopting the
// highest replayed sequence as the new counter.
func OpenEngine(dir string, cfg Config) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sst.tmp") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	var sstables []*SSTable
	var maxSSTID uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "sst-") || !strings.HasSuffix(name, ".sst") {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name, "sst-%d.sst", &id); err != nil {
			continue
		}
		sst, err := LoadSSTable(filepath.Join(dir, name), id)
		if err != nil {
			return nil, fmt.Errorf("%w: loading %s: %v", ErrUnrecoverableTable, name, err)
		}
		sstables = append(sstables, sst)
		if id > maxSSTID {
			maxSSTID = id
		}
	}
	sort.Slice(sstables, func(i, j int) bool { return sstables[i].ID() > sstables[j].ID() })

	// Each memtable generation was written to its own wal-<gen>.log
	// segment (see sealActiveLocked). Recover every surviving segment in
	// generation order, merging their records into one recovered
	// memtable, then open a fresh segment for new writes. The old
	// segments stay on disk, paired with the recovered memtable as a
	// sealed entry, until that memtable is itself flushed to an
	// SSTable — only then is it safe to delete them.
	var walGens []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		var gen uint64
		if _, err := fmt.Sscanf(name, "wal-%d.log", &gen); err != nil {
			continue
		}
		walGens = append(walGens, gen)
	}
	sort.Slice(walGens, func(i, j int) bool { return walGens[i] < walGens[j] })

	recovered := NewMemTable()
	var maxSeq uint64
	var recoveredPaths []string
	var maxWalGen uint64
	for i, gen := range walGens {
		path := filepath.Join(dir, walFileName(gen))
		w, err := Open(path, cfg.Durability)
		if err != nil {
			return nil, err
		}
		records, seq, err := w.Replay()
		if err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		for _, rec := range records {
			switch rec.Kind {
			case OpPut:
				recovered.Put(rec.Key, rec.Value, rec.Sequence)
			case OpDelete:
				recovered.Delete(rec.Key, rec.Sequence)
			}
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		recoveredPaths = append(recoveredPaths, path)
		if i == 0 || gen > maxWalGen {
			maxWalGen = gen
		}
	}

	nextGen := uint64(0)
	if len(walGens) > 0 {
		nextGen = maxWalGen + 1
	}
	wal, err := Open(filepath.Join(dir, walFileName(nextGen)), cfg.Durability)
	if err != nil {
		return nil, err
	}

	var immutable []*sealedMemTable
	if len(recoveredPaths) > 0 {
		recovered.Seal()
		immutable = append(immutable, &sealedMemTable{mt: recovered, walPaths: recoveredPaths})
	}

	eng := &Engine{
		dir:          dir,
		cfg:          cfg,
		wal:          wal,
		active:       NewMemTable(),
		immutable:    immutable,
		sstables:     sstables,
		flushTrigger: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	eng.cond = sync.NewCond(&eng.mu)
	eng.seq.Store(maxSeq)
	eng.walGen.Store(nextGen + 1)
	if len(immutable) > 0 {
		select {
		case eng.flushTrigger <- struct{}{}:
		default:
		}
	}
	eng.nextSST.Store(maxSSTID + 1)

	eng.wg.Add(1)
	go eng.flushLoop()

	return eng, nil
}

// Put appends a record to the WAL and inserts it into the active
// memtable, sealing and enqueueing the memtable for flush if it has
// reached its size bound. If the immutable queue is already at its
// high-water mark, Put blocks until a flush drains it below the
// high-water mark or BackpressureTimeout elapses.
func (e *Engine) Put(key, value []byte) error {
	return e.write(key, value, OpPut)
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	return e.write(key, nil, OpDelete)
}

func (e *Engine) write(key, value []byte, kind OpKind) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.unrecoverable.Load() {
		return ErrUnrecoverableTable
	}

	e.mu.Lock()
	if err := e.waitForCapacityLocked(); err != nil {
		e.mu.Unlock()
		return err
	}

	// The memtable seals on the write *after* the one that reached the
	// size bound, not the write that reached it: that write's record
	// still belongs to the generation it filled.
	if e.active.SizeBytes() >= e.cfg.MemTableSizeBytes {
		if err := e.sealActiveLocked(); err != nil {
			e.mu.Unlock()
			e.unrecoverable.Store(true)
			return err
		}
	}

	seq := e.seq.Add(1)
	rec := Record{Sequence: seq, Kind: kind, Key: key, Value: value, Timestamp: time.Now().UnixNano()}
	if err := e.wal.Append(rec); err != nil {
		e.mu.Unlock()
		return err
	}

	switch kind {
	case OpPut:
		e.active.Put(key, value, seq)
	case OpDelete:
		e.active.Delete(key, seq)
	}

	e.mu.Unlock()
	return nil
}

// waitForCapacityLocked blocks (releasing mu while waiting) until the
// immutable queue has drained below the high-water mark. Caller holds
// mu.
func (e *Engine) waitForCapacityLocked() error {
	if len(e.immutable) < e.cfg.ImmutableQueueHighWater {
		return nil
	}
	timedOut := false
	timer := time.AfterFunc(e.cfg.BackpressureTimeout, func() {
		e.mu.Lock()
		timedOut = true
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()
	for len(e.immutable) >= e.cfg.ImmutableQueueHighWater && !timedOut {
		e.cond.Wait()
	}
	if timedOut {
		return ErrBackpressureTimeout
	}
	return nil
}

// sealActiveLocked transitions Active -> Sealed atomically relative to
// writers (caller holds mu), rotates onto a fresh WAL generation so the
// sealed memtable's durable records stay isolated from whatever the new
// active memtable appends next, and enqueues the sealed memtable for
// background flush.
func (e *Engine) sealActiveLocked() error {
	oldPath := e.wal.Path()
	gen := e.walGen.Add(1) - 1
	newWAL, err := Open(filepath.Join(e.dir, walFileName(gen)), e.cfg.Durability)
	if err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		newWAL.Close()
		return err
	}

	e.active.Seal()
	e.immutable = append(e.immutable, &sealedMemTable{mt: e.active, walPaths: []string{oldPath}})
	e.active = NewMemTable()
	e.wal = newWAL
	select {
	case e.flushTrigger <- struct{}{}:
	default:
	}
	return nil
}

// Get searches active memtable -> immutable memtables (newest first) ->
// SSTables (newest first), returning the first PUT hit or absent if the
// first hit is a DELETE or nothing matches.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	if v, ok := e.active.Get(key); ok {
		e.mu.Unlock()
		if v.Tombstone {
			return nil, false, nil
		}
		return v.Bytes, true, nil
	}
	immutableSnapshot := append([]*sealedMemTable(nil), e.immutable...)
	e.mu.Unlock()

	for i := len(immutableSnapshot) - 1; i >= 0; i-- {
		if v, ok := immutableSnapshot[i].mt.Get(key); ok {
			if v.Tombstone {
				return nil, false, nil
			}
			return v.Bytes, true, nil
		}
	}

	e.sstMu.RLock()
	tables := append([]*SSTable(nil), e.sstables...)
	e.sstMu.RUnlock()

	for _, t := range tables {
		v, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if v.Tombstone {
				return nil, false, nil
			}
			return v.Bytes, true, nil
		}
	}
	return nil, false, nil
}

// Range performs a merged, newest-wins iteration across all layers.
func (e *Engine) Range(lo, hi []byte, fn func(key, value []byte) bool) error {
	type kv struct {
		key   []byte
		value []byte
		seq   uint64
		tomb  bool
	}
	best := make(map[string]kv)

	consider := func(key []byte, v Value) {
		k := string(key)
		if existing, ok := best[k]; ok && existing.seq >= v.Sequence {
			return
		}
		best[k] = kv{key: key, value: v.Bytes, seq: v.Sequence, tomb: v.Tombstone}
	}

	e.sstMu.RLock()
	tables := append([]*SSTable(nil), e.sstables...)
	e.sstMu.RUnlock()
	for i := len(tables) - 1; i >= 0; i-- {
		if err := tables[i].Range(lo, hi, func(k []byte, v Value) bool {
			consider(append([]byte(nil), k...), v)
			return true
		}); err != nil {
			return err
		}
	}

	e.mu.Lock()
	immutableSnapshot := append([]*sealedMemTable(nil), e.immutable...)
	activeSnapshot := e.active
	e.mu.Unlock()

	for _, sealed := range immutableSnapshot {
		sealed.mt.Range(lo, hi, func(k []byte, v Value) bool {
			consider(append([]byte(nil), k...), v)
			return true
		})
	}
	activeSnapshot.Range(lo, hi, func(k []byte, v Value) bool {
		consider(append([]byte(nil), k...), v)
		return true
	})

	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		item := best[k]
		if item.tomb {
			continue
		}
		if !fn(item.key, item.value) {
			break
		}
	}
	return nil
}

// Flush seals the active memtable (if non-empty) and blocks until it,
// and everything already queued, is fully persisted.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.active.Len() > 0 {
		if err := e.sealActiveLocked(); err != nil {
			e.mu.Unlock()
			e.unrecoverable.Store(true)
			return err
		}
	}
	e.mu.Unlock()

	for {
		e.mu.Lock()
		depth := len(e.immutable)
		e.mu.Unlock()
		if depth == 0 {
			return nil
		}
		select {
		case e.flushTrigger <- struct{}{}:
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// flushLoop drains the immutable queue one memtable at a time, oldest
// first, then evaluates whether compaction should run. Flush always
// precedes compaction, and at most one flush runs per engine.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.flushTrigger:
			for e.flushOldestImmutable() {
			}
			e.maybeCompact()
		}
	}
}

// flushOldestImmutable persists the oldest immutable memtable to a new
// SSTable, if any is queued. Returns true if it did so (so the caller
// can loop to drain the whole queue after one trigger).
func (e *Engine) flushOldestImmutable() bool {
	e.mu.Lock()
	if len(e.immutable) == 0 {
		e.mu.Unlock()
		return false
	}
	sealed := e.immutable[0]
	e.mu.Unlock()

	var entries []sstableEntry
	sealed.mt.Iterate(func(key []byte, v Value) bool {
		kind := OpPut
		if v.Tombstone {
			kind = OpDelete
		}
		entries = append(entries, sstableEntry{Key: key, Kind: kind, Value: v.Bytes, Seq: v.Sequence})
		return true
	})

	if len(entries) == 0 {
		e.dropFlushedLocked(sealed, nil)
		return true
	}

	id := e.nextSST.Add(1) - 1
	path := filepath.Join(e.dir, fmt.Sprintf("sst-%d.sst", id))
	sst, err := BuildSSTable(path, id, entries, e.cfg.Compaction.BloomFPRate, e.cfg.Compaction.Compress)
	if err != nil {
		log.Printf("engine: flush failed for %s: %v", e.dir, err)
		e.unrecoverable.Store(true)
		return false
	}

	e.dropFlushedLocked(sealed, sst)
	return true
}

// dropFlushedLocked removes sealed from the front of the immutable
// queue, installs the new SSTable (if any) at the head of the
// newest-first list, and deletes the WAL segment(s) that covered
// sealed's generation now that its records are durable in sst. The
// segments are never truncated in place: the active memtable may
// already be appending to a later generation's file by the time this
// runs, so only the exact files sealed was assigned at rotation time
// are removed.
func (e *Engine) dropFlushedLocked(sealed *sealedMemTable, sst *SSTable) {
	if sst != nil {
		e.sstMu.Lock()
		e.sstables = append([]*SSTable{sst}, e.sstables...)
		e.sstMu.Unlock()
	}

	e.mu.Lock()
	if len(e.immutable) > 0 && e.immutable[0] == sealed {
		e.immutable = e.immutable[1:]
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, path := range sealed.walPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("engine: failed to remove flushed wal segment %s: %v", path, err)
		}
	}
}

// Compact triggers the same compaction check the flush loop runs after
// every flush. Exported so the storage scheduler can invoke it from
// its periodic tick.
func (e *Engine) Compact() {
	e.maybeCompact()
}

// exceeds the configured threshold. Invoked by the engine's own flush
// loop, and also callable by the storage scheduler's periodic tick.
func (e *Engine) maybeCompact() {
	e.sstMu.RLock()
	count := len(e.sstables)
	e.sstMu.RUnlock()
	if count <= e.cfg.Compaction.TriggerThreshold {
		return
	}

	e.sstMu.RLock()
	all := append([]*SSTable(nil), e.sstables...)
	e.sstMu.RUnlock()

	inputs := SelectForCompaction(all, e.cfg.Compaction.MaxMergeWidth)
	if len(inputs) < 2 {
		return
	}

	oldestGlobally := all[len(all)-1]
	dropTombstones := false
	for _, in := range inputs {
		if in.ID() == oldestGlobally.ID() {
			dropTombstones = true
			break
		}
	}

	id := e.nextSST.Add(1) - 1
	out, err := Compact(inputs, e.dir, id, e.cfg.Compaction, dropTombstones)
	if err != nil {
		log.Printf("engine: compaction failed for %s: %v", e.dir, err)
		return
	}

	e.sstMu.Lock()
	inputIDs := make(map[uint64]bool, len(inputs))
	for _, in := range inputs {
		inputIDs[in.ID()] = true
	}
	var kept []*SSTable
	for _, t := range e.sstables {
		if !inputIDs[t.ID()] {
			kept = append(kept, t)
		}
	}
	if out != nil {
		kept = append([]*SSTable{out}, kept...)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID() > kept[j].ID() })
	e.sstables = kept
	e.sstMu.Unlock()

	for _, in := range inputs {
		if err := in.Remove(); err != nil {
			log.Printf("engine: failed to remove compacted input: %v", err)
		}
	}
}

// Close flushes, stops background work, and releases resources.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.Flush(); err != nil {
		log.Printf("engine: flush on close failed for %s: %v", e.dir, err)
	}
	close(e.stopCh)
	e.wg.Wait()

	e.sstMu.Lock()
	for _, t := range e.sstables {
		t.Close()
	}
	e.sstMu.Unlock()

	return e.wal.Close()
}

// Unrecoverable reports whether this engine has hit fatal corruption
// and is refusing writes.
func (e *Engine) Unrecoverable() bool {
	return e.unrecoverable.Load()
}
