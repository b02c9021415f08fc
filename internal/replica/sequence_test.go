package replica

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

func TestSequenceGuardAppliesMonotonicSequences(t *testing.T) {
	g := NewSequenceGuard()
	row := uuid.New()

	require.True(t, g.ShouldApply(row, 1))
	require.True(t, g.ShouldApply(row, 2))
}

func TestSequenceGuardRejectsDuplicateOrStaleSequences(t *testing.T) {
	g := NewSequenceGuard()
	row := uuid.New()

	require.True(t, g.ShouldApply(row, 5))
	require.False(t, g.ShouldApply(row, 5), "duplicate sequence must be dropped")
	require.False(t, g.ShouldApply(row, 3), "stale out-of-order sequence must be dropped")
	require.True(t, g.ShouldApply(row, 6))
}

func TestSequenceGuardForgetResetsTracking(t *testing.T) {
	g := NewSequenceGuard()
	row := uuid.New()
	require.True(t, g.ShouldApply(row, 10))
	g.Forget(row)
	require.True(t, g.ShouldApply(row, 1), "after forgetting, any sequence should be accepted as fresh")
}
