package btree

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

func TestTreeInsertAndSearch(t *testing.T) {
	tr := New(4)
	id := uuid.New()
	tr.Insert([]byte("alice"), id)

	got, ok := tr.Search([]byte("alice"))
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{id}, got)

	_, ok = tr.Search([]byte("missing"))
	require.False(t, ok)
}

func TestTreeInsertManyForcesSplits(t *testing.T) {
	tr := New(3) // small order to force splits quickly
	ids := make(map[string]uuid.UUID)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%04d", i)
		id := uuid.New()
		ids[key] = id
		tr.Insert([]byte(key), id)
	}

	for key, id := range ids {
		got, ok := tr.Search([]byte(key))
		require.True(t, ok, "key %s should be found", key)
		require.Contains(t, got, id)
	}
}

func TestTreeRangeIsOrderedAndBounded(t *testing.T) {
	tr := New(4)
	for i := 0; i < 20; i++ {
		tr.Insert([]byte(fmt.Sprintf("key-%02d", i)), uuid.New())
	}

	var order []string
	tr.Range([]byte("key-05"), []byte("key-10"), func(key []byte, rowIDs []uuid.UUID) bool {
		order = append(order, string(key))
		return true
	})
	require.Equal(t, []string{"key-05", "key-06", "key-07", "key-08", "key-09", "key-10"}, order)
}

func TestTreeInsertSupportsDuplicateKeys(t *testing.T) {
	tr := New(4)
	id1, id2 := uuid.New(), uuid.New()
	tr.Insert([]byte("shared"), id1)
	tr.Insert([]byte("shared"), id2)

	got, ok := tr.Search([]byte("shared"))
	require.True(t, ok)
	require.ElementsMatch(t, []uuid.UUID{id1, id2}, got)
}

func TestTreeDeleteRemovesRowIDThenKey(t *testing.T) {
	tr := New(4)
	id1, id2 := uuid.New(), uuid.New()
	tr.Insert([]byte("k"), id1)
	tr.Insert([]byte("k"), id2)

	require.NoError(t, tr.Delete([]byte("k"), id1))
	got, ok := tr.Search([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{id2}, got)

	require.NoError(t, tr.Delete([]byte("k"), id2))
	_, ok = tr.Search([]byte("k"))
	require.False(t, ok)

	require.ErrorIs(t, tr.Delete([]byte("k"), id1), ErrKeyNotFound)
}

func TestTreeSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.email.file")
	tr := New(4)
	id := uuid.New()
	tr.Insert([]byte("a@example.com"), id)
	tr.Insert([]byte("b@example.com"), uuid.New())
	require.NoError(t, tr.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	got, ok := loaded.Search([]byte("a@example.com"))
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{id}, got)
}

func TestLoadMissingFileIsNotFoundNotCorrupt(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.file"))
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestLoadCorruptFileIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.file")
	require.NoError(t, writeRaw(path, []byte("not a valid index file")))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrCorruptIndex)
}
