package storage

import (
	"container/heap"
	"fmt"
	"path/filepath"
)

// CompactionConfig tunes when and how size-tiered compaction runs.
type CompactionConfig struct {
	TriggerThreshold int     // compact once SSTable count exceeds this
	MaxMergeWidth    int     // merge at most this many tables per pass
	BloomFPRate      float64
	Compress         bool
}

func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		TriggerThreshold: 4,
		MaxMergeWidth:    10,
		BloomFPRate:      0.01,
		Compress:         true,
	}
}

// heapItem is one still-unread entry from one input table's entry stream.
type heapItem struct {
	entry     sstableEntry
	tableRank int // position in inputs (0 = first, the oldest as SelectForCompaction orders them); breaks ties between equal sequences
	srcIdx    int
	pos       int
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].entry.Key, h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	// Same key: higher sequence (newer) sorts first.
	if h[i].entry.Seq != h[j].entry.Seq {
		return h[i].entry.Seq > h[j].entry.Seq
	}
	return h[i].tableRank < h[j].tableRank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// SelectForCompaction picks up to maxWidth of the oldest tables (lowest
// file id), which is the size-tiered "oldest first" policy.
func SelectForCompaction(tables []*SSTable, maxWidth int) []*SSTable {
	sorted := append([]*SSTable(nil), tables...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].ID() < sorted[i].ID() {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	if len(sorted) > maxWidth {
		sorted = sorted[:maxWidth]
	}
	return sorted
}

// Compact performs a k-way merge of input tables, writing a single
// output SSTable at outputPath with id newID. dropTombstones should be
// true only when the compaction set includes the globally oldest
// SSTable for the table: a tombstone can only be safely dropped once
// nothing outside the merge set could still hold an older version of
// that key.
func Compact(inputs []*SSTable, outputDir string, newID uint64, cfg CompactionConfig, dropTombstones bool) (*SSTable, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("storage: compaction requires at least one input")
	}

	streams := make([][]sstableEntry, len(inputs))
	for i, t := range inputs {
		entries, err := t.AllEntries()
		if err != nil {
			return nil, err
		}
		streams[i] = entries
	}

	h := &mergeHeap{}
	heap.Init(h)
	for i, s := range streams {
		if len(s) > 0 {
			heap.Push(h, &heapItem{entry: s[0], tableRank: i, srcIdx: i, pos: 0})
		}
	}

	var merged []sstableEntry
	var lastKey []byte
	for h.Len() > 0 {
		top := heap.Pop(h).(*heapItem)
		if lastKey == nil || compareBytes(top.entry.Key, lastKey) != 0 {
			if top.entry.Kind != OpDelete || !dropTombstones {
				merged = append(merged, top.entry)
			}
			lastKey = top.entry.Key
		}
		// else: an older occurrence of a key already emitted — discard.

		next := top.pos + 1
		if next < len(streams[top.srcIdx]) {
			heap.Push(h, &heapItem{entry: streams[top.srcIdx][next], tableRank: top.tableRank, srcIdx: top.srcIdx, pos: next})
		}
	}

	if len(merged) == 0 {
		return nil, nil
	}

	outPath := filepath.Join(outputDir, fmt.Sprintf("sst-%d.sst", newID))
	return BuildSSTable(outPath, newID, merged, cfg.BloomFPRate, cfg.Compress)
}
