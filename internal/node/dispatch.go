package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/ao/Serengeti-sub006/internal/protocol"
	"github.com/ao/Serengeti-sub006/internal/replica"
)

// messageEndpoint is the inter-node HTTP path that receives inbound
// protocol.Message envelopes: the inter-node protocol runs as HTTP
// JSON on a configurable port.
const messageEndpoint = "/_internal/message"

// rowEndpoint is the inter-node HTTP path a peer fetches a row's
// current payload from, used by fetchRow when satisfying a CLAIM_ROW
// instruction whose FetchFrom holder isn't this node.
func rowEndpoint(database, table string, id uuid.UUID) string {
	return fmt.Sprintf("/_internal/row/%s/%s/%s", database, table, id)
}

// Send delivers msg to a peer over HTTP, logging failures since
// replication is asynchronous and must never fail the caller's local
// write.
func (n *Node) Send(ctx context.Context, target replica.NodeID, msg protocol.Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("node: encoding message to %s failed: %v", target, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+string(target)+messageEndpoint, bytes.NewReader(body))
	if err != nil {
		log.Printf("node: building request to %s failed: %v", target, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		log.Printf("node: sending %s to %s failed: %v", msg.Kind, target, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Printf("node: peer %s rejected %s with status %d", target, msg.Kind, resp.StatusCode)
	}
}

// Broadcast sends every outbound message to its paired target.
func (n *Node) Broadcast(ctx context.Context, outbound []Outbound) {
	for _, ob := range outbound {
		n.Send(ctx, ob.Target, ob.Message)
	}
}

// fetchRow retrieves a row's current payload from a peer, used when
// satisfying a CLAIM_ROW instruction whose FetchFrom holder isn't this
// node.
func (n *Node) fetchRow(ctx context.Context, from replica.NodeID, database, table string, row Row) (json.RawMessage, error) {
	if from == n.cfg.Self {
		t, ok := n.Table(database, table)
		if !ok {
			return nil, fmt.Errorf("node: unknown local table %s/%s", database, table)
		}
		local, err := t.Get(row.ID)
		if err != nil {
			return nil, err
		}
		return local.Data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+string(from)+rowEndpoint(database, table, row.ID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fetched Row
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return nil, err
	}
	return fetched.Data, nil
}
