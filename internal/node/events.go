package node

import (
	"context"
	"log"

	"github.com/ao/Serengeti-sub006/internal/protocol"
	"github.com/ao/Serengeti-sub006/internal/registry"
	"github.com/ao/Serengeti-sub006/internal/replica"
)

// consumeRegistryEvents drains the registry's peer-join/peer-loss
// channel and repairs every table's replica directory accordingly.
func (n *Node) consumeRegistryEvents() {
	for ev := range n.reg.Events() {
		switch ev.Kind {
		case registry.EventPeerLoss:
			n.handlePeerLoss(replica.NodeID(ev.Peer.Addr))
		case registry.EventPeerJoin:
			n.handlePeerJoin()
		}
	}
}

func (n *Node) handlePeerLoss(lost replica.NodeID) {
	live := n.LivePeers()
	ctx := context.Background()
	for _, t := range n.Tables() {
		claims := t.Replicas.HandlePeerLoss(lost, live)
		n.dispatchClaims(ctx, t, claims)
	}
}

func (n *Node) handlePeerJoin() {
	live := n.LivePeers()
	ctx := context.Background()
	for _, t := range n.Tables() {
		claims := t.Replicas.Rebalance(live)
		n.dispatchClaims(ctx, t, claims)
	}
}

func (n *Node) dispatchClaims(ctx context.Context, t *Table, claims []replica.ClaimInstruction) {
	for _, claim := range claims {
		payload, err := n.fetchRow(ctx, claim.FetchFrom, t.Database, t.Name, Row{ID: claim.RowID})
		if err != nil {
			log.Printf("node: fetching row %s from %s for claim failed: %v", claim.RowID, claim.FetchFrom, err)
			continue
		}
		n.Send(ctx, claim.NewHolder, protocol.Message{
			Kind:     protocol.KindClaimRow,
			Database: t.Database,
			Table:    t.Name,
			RowID:    claim.RowID,
			Sequence: t.nextSeq(),
			Payload:  payload,
		})
	}
}
