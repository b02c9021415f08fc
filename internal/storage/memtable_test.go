package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemTablePutGetDelete(t *testing.T) {
	mt := NewMemTable()
	require.NoError(t, mt.Put([]byte("a"), []byte("1"), 1))
	require.NoError(t, mt.Put([]byte("b"), []byte("2"), 2))

	v, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v.Bytes))
	require.False(t, v.Tombstone)

	require.NoError(t, mt.Delete([]byte("a"), 3))
	v, ok = mt.Get([]byte("a"))
	require.True(t, ok)
	require.True(t, v.Tombstone)

	_, ok = mt.Get([]byte("missing"))
	require.False(t, ok)
}

func TestMemTableSealRejectsWrites(t *testing.T) {
	mt := NewMemTable()
	mt.Seal()
	require.ErrorIs(t, mt.Put([]byte("a"), []byte("1"), 1), ErrSealed)
	require.ErrorIs(t, mt.Delete([]byte("a"), 1), ErrSealed)
}

func TestMemTableIterateIsKeyOrdered(t *testing.T) {
	mt := NewMemTable()
	for i, k := range []string{"c", "a", "b"} {
		require.NoError(t, mt.Put([]byte(k), []byte("v"), uint64(i+1)))
	}
	var order []string
	mt.Iterate(func(key []byte, v Value) bool {
		order = append(order, string(key))
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMemTableRangeBounds(t *testing.T) {
	mt := NewMemTable()
	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, mt.Put([]byte(k), []byte("v"), uint64(i+1)))
	}
	var got []string
	mt.Range([]byte("b"), []byte("c"), func(key []byte, v Value) bool {
		got = append(got, string(key))
		return true
	})
	require.Equal(t, []string{"b", "c"}, got)
}

func TestMemTableSizeBytesTracksDelta(t *testing.T) {
	mt := NewMemTable()
	require.NoError(t, mt.Put([]byte("a"), []byte("short"), 1))
	sizeShort := mt.SizeBytes()
	require.NoError(t, mt.Put([]byte("a"), []byte("a-much-longer-value"), 2))
	require.Greater(t, mt.SizeBytes(), sizeShort)
}
