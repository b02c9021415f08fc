package storage

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestTable(t *testing.T, dir string, id uint64, entries []sstableEntry) *SSTable {
	t.Helper()
	path := filepath.Join(dir, "sst-"+strconv.FormatUint(id, 10)+".sst")
	sst, err := BuildSSTable(path, id, entries, 0.01, true)
	require.NoError(t, err)
	return sst
}

func TestCompactMergesNewestWins(t *testing.T) {
	dir := t.TempDir()
	older := buildTestTable(t, dir, 1, []sstableEntry{
		{Key: []byte("a"), Kind: OpPut, Value: []byte("old"), Seq: 1},
		{Key: []byte("b"), Kind: OpPut, Value: []byte("keep"), Seq: 2},
	})
	newer := buildTestTable(t, dir, 2, []sstableEntry{
		{Key: []byte("a"), Kind: OpPut, Value: []byte("new"), Seq: 3},
	})

	out, err := Compact([]*SSTable{older, newer}, dir, 3, DefaultCompactionConfig(), false)
	require.NoError(t, err)
	require.NotNil(t, out)
	defer out.Close()

	v, ok, err := out.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(v.Bytes))

	v, ok, err = out.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep", string(v.Bytes))
}

func TestCompactRetainsTombstoneWhenNotDroppingAndDropsWhenOldestIncluded(t *testing.T) {
	dir := t.TempDir()
	table := buildTestTable(t, dir, 1, []sstableEntry{
		{Key: []byte("a"), Kind: OpDelete, Seq: 5},
	})

	retained, err := Compact([]*SSTable{table}, dir, 2, DefaultCompactionConfig(), false)
	require.NoError(t, err)
	require.NotNil(t, retained)
	defer retained.Close()
	v, ok, err := retained.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.Tombstone)

	table2 := buildTestTable(t, dir, 3, []sstableEntry{
		{Key: []byte("a"), Kind: OpDelete, Seq: 5},
	})
	dropped, err := Compact([]*SSTable{table2}, dir, 4, DefaultCompactionConfig(), true)
	require.NoError(t, err)
	require.Nil(t, dropped) // sole entry was a dropped tombstone: empty output
}

func TestSelectForCompactionPicksOldestFirst(t *testing.T) {
	dir := t.TempDir()
	var tables []*SSTable
	for i := uint64(1); i <= 5; i++ {
		tables = append(tables, buildTestTable(t, dir, i, []sstableEntry{
			{Key: []byte("k"), Kind: OpPut, Value: []byte("v"), Seq: i},
		}))
	}
	// shuffle order passed in
	shuffled := []*SSTable{tables[4], tables[1], tables[0], tables[3], tables[2]}
	selected := SelectForCompaction(shuffled, 3)
	require.Len(t, selected, 3)
	require.Equal(t, uint64(1), selected[0].ID())
	require.Equal(t, uint64(2), selected[1].ID())
	require.Equal(t, uint64(3), selected[2].ID())
}
