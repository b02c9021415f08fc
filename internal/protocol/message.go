// Package protocol defines the inter-node wire messages exchanged over
// the HTTP JSON transport. It is intentionally dependency-free so both
// the replica directory and the node/registry layers can import it
// without a cycle.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind identifies the purpose of a Message.
type Kind string

const (
	KindJoinCluster Kind = "JOIN_CLUSTER"
	KindInsertRow   Kind = "INSERT_ROW"
	KindUpdateRow   Kind = "UPDATE_ROW"
	KindDeleteRow   Kind = "DELETE_ROW"
	KindClaimRow    Kind = "CLAIM_ROW"
	KindProbe       Kind = "PROBE"
)

// Message is the single envelope shape every inter-node message uses.
// RowID and Sequence are omitted for kinds that don't carry a row
// (JOIN_CLUSTER, PROBE).
type Message struct {
	Kind     Kind            `json:"kind"`
	Database string          `json:"database,omitempty"`
	Table    string          `json:"table,omitempty"`
	RowID    uuid.UUID       `json:"row_id,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Descriptor is the node self-description returned by GET / and
// carried in JOIN_CLUSTER payloads: id, ip, version, uptime, plus the
// cluster counts the HTTP surface reports.
type Descriptor struct {
	ID             uuid.UUID `json:"id"`
	IP             string    `json:"ip"`
	Version        string    `json:"version"`
	UptimeSeconds  int64     `json:"uptimeSeconds"`
	TotalNodes     int       `json:"totalNodes"`
	AvailableNodes int       `json:"availableNodes"`
}
