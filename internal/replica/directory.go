// Package replica implements the per-table replica directory: which
// two nodes hold each row, how a new row is assigned, and how
// assignments are repaired when a peer is declared lost.
package replica

import (
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
)

// NodeID addresses a cluster peer. The empty NodeID means "unassigned"
// (used when fewer than two peers are live).
type NodeID string

// Assignment records which nodes currently hold a row.
type Assignment struct {
	Primary   NodeID
	Secondary NodeID
}

// ClaimInstruction tells the caller to send a CLAIM_ROW message for
// RowID to NewHolder, fetching the row payload from FetchFrom first:
// a reassignment triggers a claim-row message carrying the row payload
// fetched from the remaining holder.
type ClaimInstruction struct {
	RowID     uuid.UUID
	NewHolder NodeID
	FetchFrom NodeID
}

// Directory is the replica assignment table for one (database, table)
// pair, generalized from a single-node key-ownership model to
// two-holder replication.
type Directory struct {
	mu          sync.RWMutex
	assignments map[uuid.UUID]Assignment
}

func NewDirectory() *Directory {
	return &Directory{assignments: make(map[uuid.UUID]Assignment)}
}

// AssignNew picks two distinct live peers uniformly at random for a
// newly inserted row. If only one peer is live, Secondary is left
// unassigned. livePeers must not contain duplicates.
func (d *Directory) AssignNew(rowID uuid.UUID, livePeers []NodeID) (Assignment, error) {
	if len(livePeers) == 0 {
		return Assignment{}, ErrNoLivePeers
	}

	idx := rand.Perm(len(livePeers))
	a := Assignment{Primary: livePeers[idx[0]]}
	if len(livePeers) > 1 {
		a.Secondary = livePeers[idx[1]]
	}

	d.mu.Lock()
	d.assignments[rowID] = a
	d.mu.Unlock()
	return a, nil
}

// Holders returns the current assignment for rowID.
func (d *Directory) Holders(rowID uuid.UUID) (Assignment, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.assignments[rowID]
	return a, ok
}

// Remove drops rowID's assignment, called when the row is deleted.
func (d *Directory) Remove(rowID uuid.UUID) {
	d.mu.Lock()
	delete(d.assignments, rowID)
	d.mu.Unlock()
}

// Len returns the number of rows currently tracked.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.assignments)
}

// HandlePeerLoss repairs every assignment touched by lostPeer: a lost
// primary promotes its secondary and draws a replacement secondary; a
// lost secondary is simply replaced. livePeers must already exclude
// lostPeer. Returns the CLAIM_ROW instructions the caller must send
// for every newly assigned holder.
func (d *Directory) HandlePeerLoss(lostPeer NodeID, livePeers []NodeID) []ClaimInstruction {
	d.mu.Lock()
	defer d.mu.Unlock()

	var claims []ClaimInstruction
	for rowID, a := range d.assignments {
		switch lostPeer {
		case a.Primary:
			newPrimary := a.Secondary
			newSecondary := d.drawExcludingLocked(livePeers, newPrimary)
			d.assignments[rowID] = Assignment{Primary: newPrimary, Secondary: newSecondary}
			if newPrimary != "" {
				claims = append(claims, ClaimInstruction{RowID: rowID, NewHolder: newPrimary, FetchFrom: newPrimary})
			}
			if newSecondary != "" && newPrimary != "" {
				claims = append(claims, ClaimInstruction{RowID: rowID, NewHolder: newSecondary, FetchFrom: newPrimary})
			}
		case a.Secondary:
			newSecondary := d.drawExcludingLocked(livePeers, a.Primary)
			d.assignments[rowID] = Assignment{Primary: a.Primary, Secondary: newSecondary}
			if newSecondary != "" {
				claims = append(claims, ClaimInstruction{RowID: rowID, NewHolder: newSecondary, FetchFrom: a.Primary})
			}
		}
	}
	return claims
}

// drawExcludingLocked picks one random peer from livePeers that isn't
// exclude, or "" if none qualifies. Callers hold d.mu.
func (d *Directory) drawExcludingLocked(livePeers []NodeID, exclude NodeID) NodeID {
	candidates := make([]NodeID, 0, len(livePeers))
	for _, p := range livePeers {
		if p != exclude && p != "" {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))]
}

// Rebalance opportunistically redraws unassigned secondaries after a
// peer-join event. Only rows with no secondary are touched; existing
// healthy assignments are left alone.
func (d *Directory) Rebalance(livePeers []NodeID) []ClaimInstruction {
	d.mu.Lock()
	defer d.mu.Unlock()

	var claims []ClaimInstruction
	for rowID, a := range d.assignments {
		if a.Secondary != "" || a.Primary == "" {
			continue
		}
		newSecondary := d.drawExcludingLocked(livePeers, a.Primary)
		if newSecondary == "" {
			continue
		}
		d.assignments[rowID] = Assignment{Primary: a.Primary, Secondary: newSecondary}
		claims = append(claims, ClaimInstruction{RowID: rowID, NewHolder: newSecondary, FetchFrom: a.Primary})
	}
	return claims
}
