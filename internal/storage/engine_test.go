package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemTableSizeBytes = 256 // force frequent seals
	cfg.Compaction.TriggerThreshold = 2
	cfg.BackpressureTimeout = time.Second
	return cfg
}

func TestEnginePutGetDelete(t *testing.T) {
	eng, err := OpenEngine(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Put([]byte("k1"), []byte("v1")))
	v, ok, err := eng.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	require.NoError(t, eng.Delete([]byte("k1")))
	_, ok, err = eng.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngineFlushPersistsToSSTable(t *testing.T) {
	eng, err := OpenEngine(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer eng.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, eng.Put([]byte(keyN(i)), []byte("value-that-is-reasonably-long")))
	}
	require.NoError(t, eng.Flush())

	eng.sstMu.RLock()
	count := len(eng.sstables)
	eng.sstMu.RUnlock()
	require.Greater(t, count, 0)

	v, ok, err := eng.Get([]byte(keyN(0)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value-that-is-reasonably-long", string(v))
}

func TestEngineRecoversFromWALAfterReopen(t *testing.T) {
	dir := t.TempDir()
	eng, err := OpenEngine(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, eng.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, eng.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, eng.Close())

	eng2, err := OpenEngine(dir, testConfig())
	require.NoError(t, err)
	defer eng2.Close()

	v, ok, err := eng2.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	v, ok, err = eng2.Get([]byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestEngineRangeMergesAllLayers(t *testing.T) {
	eng, err := OpenEngine(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer eng.Close()

	for i := 0; i < 30; i++ {
		require.NoError(t, eng.Put([]byte(keyN(i)), []byte("value-that-is-reasonably-long")))
	}
	require.NoError(t, eng.Flush())
	require.NoError(t, eng.Put([]byte(keyN(30)), []byte("fresh-in-memtable")))

	var seen int
	err = eng.Range(nil, nil, func(key, value []byte) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 31, seen)
}

func TestEngineRejectsWritesAfterClose(t *testing.T) {
	eng, err := OpenEngine(t.TempDir(), testConfig())
	require.NoError(t, err)
	require.NoError(t, eng.Close())
	require.ErrorIs(t, eng.Put([]byte("k"), []byte("v")), ErrEngineClosed)
}

func TestEngineCompactionReducesSSTableCount(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.MaxMergeWidth = 10
	eng, err := OpenEngine(t.TempDir(), cfg)
	require.NoError(t, err)
	defer eng.Close()

	for batch := 0; batch < 5; batch++ {
		for i := 0; i < 10; i++ {
			require.NoError(t, eng.Put([]byte(keyN(batch*10+i)), []byte("value-that-is-reasonably-long-enough")))
		}
		require.NoError(t, eng.Flush())
	}

	eng.maybeCompact()

	eng.sstMu.RLock()
	count := len(eng.sstables)
	eng.sstMu.RUnlock()
	require.LessOrEqual(t, count, cfg.Compaction.TriggerThreshold)

	v, ok, err := eng.Get([]byte(keyN(0)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value-that-is-reasonably-long-enough", string(v))
}

// TestEngineSealsOnTheWriteAfterReachingTheBound pins the exact seal
// boundary: the write whose application makes SizeBytes reach the
// configured bound is NOT itself sealed out of the active memtable;
// only the next write, which observes that bound already reached,
// triggers the seal.
func TestEngineSealsOnTheWriteAfterReachingTheBound(t *testing.T) {
	cfg := testConfig()
	cfg.MemTableSizeBytes = 126 // 3 entries at 42 bytes each (5+5+32)
	eng, err := OpenEngine(t.TempDir(), cfg)
	require.NoError(t, err)
	defer eng.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Put([]byte(keyN(i)), []byte("vvvvv")))
	}

	eng.mu.Lock()
	require.Equal(t, int64(126), eng.active.SizeBytes())
	require.Len(t, eng.immutable, 0)
	eng.mu.Unlock()

	require.NoError(t, eng.Put([]byte(keyN(3)), []byte("vvvvv")))

	eng.mu.Lock()
	require.Len(t, eng.immutable, 1)
	require.Equal(t, int64(42), eng.active.SizeBytes())
	eng.mu.Unlock()

	for _, i := range []int{0, 1, 2, 3} {
		v, ok, err := eng.Get([]byte(keyN(i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "vvvvv", string(v))
	}
}

func keyN(i int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(alphabet) {
		return "key-" + string(alphabet[i])
	}
	return "key-z" + string(alphabet[i%len(alphabet)])
}
