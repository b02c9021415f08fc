// Package node wires the storage engine, secondary indexes, replica
// directory, registry, and scheduler into one runnable cluster member,
// including the recovery orchestrator and the peer-registry integration
// it depends on.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ao/Serengeti-sub006/internal/btree"
	"github.com/ao/Serengeti-sub006/internal/protocol"
	"github.com/ao/Serengeti-sub006/internal/replica"
	"github.com/ao/Serengeti-sub006/internal/storage"
)

// ErrRowNotFound is returned when a row-id has no document in the table.
var ErrRowNotFound = errors.New("node: row not found")

// Row is the document-level unit this package's operations work on:
// a UUID identity plus an arbitrary JSON document.
type Row struct {
	ID   uuid.UUID       `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Outbound pairs a replication message with the peer it must be sent
// to, since protocol.Message itself carries no destination field.
type Outbound struct {
	Target  replica.NodeID
	Message protocol.Message
}

// Table couples one (database, table) pair's LSM engine (the document
// map's durable backing store, keyed by row-id), secondary indexes,
// and replica directory, generalized from a single-process key/value
// store's `Put`/`Get` of JSON-encoded values under string keys to JSON
// documents keyed by UUID row-id with an explicit replica directory
// alongside.
type Table struct {
	Database string
	Name     string
	dir      string

	Engine   *storage.Engine
	Indexes  *btree.Manager
	Replicas *replica.Directory
	Seq      *replica.SequenceGuard

	mu       sync.Mutex
	localSeq uint64
}

// OpenTable recovers one table's engine, indexes, and replica
// directory rooted at <dataRoot>/<database>/<name>.
func OpenTable(dataRoot, database, name string, engineCfg storage.Config, indexOrder int, autoIndexThreshold int64, maxIndexesPerTable int) (*Table, error) {
	dir := filepath.Join(dataRoot, database, name)
	lsmDir := filepath.Join(dir, "lsm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	engine, err := storage.OpenEngine(lsmDir, engineCfg)
	if err != nil {
		return nil, fmt.Errorf("node: opening table %s/%s: %w", database, name, err)
	}

	replicaDir, err := replica.LoadDirectory(filepath.Join(dir, "replica.file"))
	switch {
	case err == nil:
	case errors.Is(err, replica.ErrReplicaFileNotFound):
		replicaDir = replica.NewDirectory()
	default:
		engine.Close()
		return nil, fmt.Errorf("node: loading replica map for %s/%s: %w", database, name, err)
	}

	return &Table{
		Database: database,
		Name:     name,
		dir:      dir,
		Engine:   engine,
		Indexes:  btree.NewManager(dir, indexOrder, autoIndexThreshold, maxIndexesPerTable),
		Replicas: replicaDir,
		Seq:      replica.NewSequenceGuard(),
	}, nil
}

func (t *Table) nextSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localSeq++
	return t.localSeq
}

// Insert stores a new row locally, assigns it to two live peers, and
// returns the outbound INSERT_ROW messages the caller (the node's
// dispatcher) must send to those peers.
func (t *Table) Insert(data json.RawMessage, livePeers []replica.NodeID) (Row, []Outbound, error) {
	row := Row{ID: uuid.New(), Data: data}
	if err := t.putLocal(row); err != nil {
		return Row{}, nil, err
	}

	assignment, err := t.Replicas.AssignNew(row.ID, livePeers)
	if err != nil {
		// Replication is best-effort: the local write already committed
		// regardless of whether a peer can be assigned right now.
		return row, nil, nil
	}

	return row, t.outboundFor(protocol.KindInsertRow, row, assignment), nil
}

// Get returns the document for rowID.
func (t *Table) Get(rowID uuid.UUID) (Row, error) {
	value, ok, err := t.Engine.Get(rowID[:])
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, ErrRowNotFound
	}
	var row Row
	if err := json.Unmarshal(value, &row); err != nil {
		return Row{}, fmt.Errorf("node: decoding row %s: %w", rowID, err)
	}
	return row, nil
}

// Update overwrites rowID's document and returns the UPDATE_ROW
// messages for its current holders.
func (t *Table) Update(rowID uuid.UUID, data json.RawMessage) ([]Outbound, error) {
	row := Row{ID: rowID, Data: data}
	if err := t.putLocal(row); err != nil {
		return nil, err
	}
	assignment, ok := t.Replicas.Holders(rowID)
	if !ok {
		return nil, nil
	}
	return t.outboundFor(protocol.KindUpdateRow, row, assignment), nil
}

// Delete removes rowID's document, drops its replica assignment, and
// returns the DELETE_ROW messages for its former holders.
func (t *Table) Delete(rowID uuid.UUID) ([]Outbound, error) {
	assignment, hadAssignment := t.Replicas.Holders(rowID)
	if err := t.Engine.Delete(rowID[:]); err != nil {
		return nil, err
	}
	t.Replicas.Remove(rowID)
	t.Seq.Forget(rowID)

	if !hadAssignment {
		return nil, nil
	}
	return t.outboundFor(protocol.KindDeleteRow, Row{ID: rowID}, assignment), nil
}

func (t *Table) putLocal(row Row) error {
	value, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return t.Engine.Put(row.ID[:], value)
}

// outboundFor builds one Outbound message per non-empty holder in
// assignment, stamped with a fresh local sequence number.
func (t *Table) outboundFor(kind protocol.Kind, row Row, assignment replica.Assignment) []Outbound {
	seq := t.nextSeq()
	var payload json.RawMessage
	if kind != protocol.KindDeleteRow {
		payload, _ = json.Marshal(row)
	}

	var out []Outbound
	for _, holder := range []replica.NodeID{assignment.Primary, assignment.Secondary} {
		if holder == "" {
			continue
		}
		out = append(out, Outbound{
			Target: holder,
			Message: protocol.Message{
				Kind:     kind,
				Database: t.Database,
				Table:    t.Name,
				RowID:    row.ID,
				Sequence: seq,
				Payload:  payload,
			},
		})
	}
	return out
}

// ApplyRemote applies an inbound replication message idempotently:
// only if the carried sequence is newer than what this table last
// applied for that row.
func (t *Table) ApplyRemote(msg protocol.Message) error {
	if !t.Seq.ShouldApply(msg.RowID, msg.Sequence) {
		return nil
	}
	switch msg.Kind {
	case protocol.KindInsertRow, protocol.KindUpdateRow, protocol.KindClaimRow:
		var row Row
		if err := json.Unmarshal(msg.Payload, &row); err != nil {
			return fmt.Errorf("node: decoding replicated row %s: %w", msg.RowID, err)
		}
		return t.putLocal(row)
	case protocol.KindDeleteRow:
		if err := t.Engine.Delete(msg.RowID[:]); err != nil {
			return err
		}
		t.Replicas.Remove(msg.RowID)
		return nil
	default:
		return fmt.Errorf("node: table cannot apply message kind %q", msg.Kind)
	}
}

// PersistStorage snapshots every row currently held by the engine to
// storage.file, a materialized view of the on-disk layout (the
// engine's own WAL+SSTable set remains the durability source of
// truth; recovery never reads this snapshot back).
func (t *Table) PersistStorage() error {
	snapshot := make(map[uuid.UUID]json.RawMessage)
	err := t.Engine.Range(nil, nil, func(key, value []byte) bool {
		var id uuid.UUID
		copy(id[:], key)
		snapshot[id] = append(json.RawMessage(nil), value...)
		return true
	})
	if err != nil {
		return err
	}
	return writeFramedGob(filepath.Join(t.dir, "storage.file"), snapshot)
}

// PersistReplica writes the table's current replica assignments.
func (t *Table) PersistReplica() error {
	return t.Replicas.Save(filepath.Join(t.dir, "replica.file"))
}

// PersistIndexes writes every open secondary index.
func (t *Table) PersistIndexes() error {
	return t.Indexes.PersistAll()
}

// Compact invokes the owning engine's compaction check.
func (t *Table) Compact() {
	t.Engine.Compact()
}

// Close flushes and releases the table's engine.
func (t *Table) Close() error {
	return t.Engine.Close()
}
