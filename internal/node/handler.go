package node

import (
	"fmt"

	"github.com/ao/Serengeti-sub006/internal/protocol"
)

// HandleMessage routes an inbound protocol.Message to the right table
// (or the registry, for cluster-membership messages), the receiving
// side of the Send/Broadcast dispatcher in dispatch.go. It is wired
// into the HTTP surface's POST /_internal/message route.
func (n *Node) HandleMessage(fromAddr string, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindJoinCluster:
		n.reg.RegisterPeer(fromAddr)
		return nil
	case protocol.KindProbe:
		// Liveness is probed with a plain GET / by the registry;
		// a PROBE message carries no required action.
		return nil
	case protocol.KindInsertRow, protocol.KindUpdateRow, protocol.KindDeleteRow, protocol.KindClaimRow:
		t, err := n.OpenOrCreateTable(msg.Database, msg.Table)
		if err != nil {
			return fmt.Errorf("node: opening table for message %s: %w", msg.Kind, err)
		}
		return t.ApplyRemote(msg)
	default:
		return fmt.Errorf("node: unknown message kind %q", msg.Kind)
	}
}
