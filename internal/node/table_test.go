package node

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ao/Serengeti-sub006/internal/protocol"
	"github.com/ao/Serengeti-sub006/internal/replica"
	"github.com/ao/Serengeti-sub006/internal/storage"
)

func openTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := OpenTable(t.TempDir(), "db1", "widgets", storage.DefaultConfig(), 8, 1000, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestInsertStoresLocallyAndAssignsPeers(t *testing.T) {
	tbl := openTestTable(t)

	row, outbound, err := tbl.Insert(json.RawMessage(`{"name":"bolt"}`), []replica.NodeID{"a:1", "b:1"})
	require.NoError(t, err)
	require.Len(t, outbound, 2)
	for _, ob := range outbound {
		require.Equal(t, protocol.KindInsertRow, ob.Message.Kind)
		require.Equal(t, row.ID, ob.Message.RowID)
	}

	got, err := tbl.Get(row.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"bolt"}`, string(got.Data))
}

func TestInsertWithNoLivePeersStillCommitsLocally(t *testing.T) {
	tbl := openTestTable(t)

	row, outbound, err := tbl.Insert(json.RawMessage(`{"name":"nut"}`), nil)
	require.NoError(t, err)
	require.Nil(t, outbound)

	got, err := tbl.Get(row.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"nut"}`, string(got.Data))
}

func TestUpdateSendsToCurrentHolders(t *testing.T) {
	tbl := openTestTable(t)
	row, _, err := tbl.Insert(json.RawMessage(`{"name":"bolt"}`), []replica.NodeID{"a:1", "b:1"})
	require.NoError(t, err)

	outbound, err := tbl.Update(row.ID, json.RawMessage(`{"name":"bolt-v2"}`))
	require.NoError(t, err)
	require.Len(t, outbound, 2)
	for _, ob := range outbound {
		require.Equal(t, protocol.KindUpdateRow, ob.Message.Kind)
	}

	got, err := tbl.Get(row.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"bolt-v2"}`, string(got.Data))
}

func TestUpdateWithNoAssignmentProducesNoOutbound(t *testing.T) {
	tbl := openTestTable(t)
	row, _, err := tbl.Insert(json.RawMessage(`{"name":"bolt"}`), nil)
	require.NoError(t, err)

	outbound, err := tbl.Update(row.ID, json.RawMessage(`{"name":"bolt-v2"}`))
	require.NoError(t, err)
	require.Nil(t, outbound)
}

func TestDeleteRemovesRowAndAssignment(t *testing.T) {
	tbl := openTestTable(t)
	row, _, err := tbl.Insert(json.RawMessage(`{"name":"bolt"}`), []replica.NodeID{"a:1", "b:1"})
	require.NoError(t, err)

	outbound, err := tbl.Delete(row.ID)
	require.NoError(t, err)
	require.Len(t, outbound, 2)
	for _, ob := range outbound {
		require.Equal(t, protocol.KindDeleteRow, ob.Message.Kind)
	}

	_, err = tbl.Get(row.ID)
	require.ErrorIs(t, err, ErrRowNotFound)
	_, ok := tbl.Replicas.Holders(row.ID)
	require.False(t, ok)
}

func TestApplyRemoteInsertIsIdempotentPerSequence(t *testing.T) {
	tbl := openTestTable(t)
	rowID := uuid.New()
	payload, err := json.Marshal(Row{ID: rowID, Data: json.RawMessage(`{"name":"first"}`)})
	require.NoError(t, err)

	msg := protocol.Message{Kind: protocol.KindInsertRow, RowID: rowID, Sequence: 1, Payload: payload}
	require.NoError(t, tbl.ApplyRemote(msg))

	got, err := tbl.Get(rowID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"first"}`, string(got.Data))

	stalePayload, _ := json.Marshal(Row{ID: rowID, Data: json.RawMessage(`{"name":"stale"}`)})
	require.NoError(t, tbl.ApplyRemote(protocol.Message{Kind: protocol.KindInsertRow, RowID: rowID, Sequence: 1, Payload: stalePayload}))

	got, err = tbl.Get(rowID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"first"}`, string(got.Data), "a replayed sequence must not overwrite the already-applied document")
}

func TestApplyRemoteDeleteRemovesRow(t *testing.T) {
	tbl := openTestTable(t)
	rowID := uuid.New()
	payload, _ := json.Marshal(Row{ID: rowID, Data: json.RawMessage(`{"name":"first"}`)})
	require.NoError(t, tbl.ApplyRemote(protocol.Message{Kind: protocol.KindInsertRow, RowID: rowID, Sequence: 1, Payload: payload}))

	require.NoError(t, tbl.ApplyRemote(protocol.Message{Kind: protocol.KindDeleteRow, RowID: rowID, Sequence: 2}))

	_, err := tbl.Get(rowID)
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestPersistStorageSnapshotsAllRows(t *testing.T) {
	tbl := openTestTable(t)
	_, _, err := tbl.Insert(json.RawMessage(`{"name":"bolt"}`), nil)
	require.NoError(t, err)
	require.NoError(t, tbl.PersistStorage())
}

