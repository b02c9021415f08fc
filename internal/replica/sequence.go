package replica

import (
	"sync"

	"github.com/google/uuid"
)

// SequenceGuard enforces the idempotent-apply rule shared by every
// inter-node message: receivers apply only if their sequence is newer
// than what was last applied. One guard is kept per table.
type SequenceGuard struct {
	mu   sync.Mutex
	last map[uuid.UUID]uint64
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{last: make(map[uuid.UUID]uint64)}
}

// ShouldApply reports whether a message carrying sequence seq for
// rowID is newer than the last sequence already applied to that row,
// and if so records seq as the new high-water mark. Late-arriving
// duplicates or out-of-order replays return false and are silently
// dropped by the caller.
func (g *SequenceGuard) ShouldApply(rowID uuid.UUID, seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[rowID]; ok && seq <= prev {
		return false
	}
	g.last[rowID] = seq
	return true
}

// Forget drops rowID's tracked sequence, called once a row is deleted
// and its id is no longer expected to recur.
func (g *SequenceGuard) Forget(rowID uuid.UUID) {
	g.mu.Lock()
	delete(g.last, rowID)
	g.mu.Unlock()
}
