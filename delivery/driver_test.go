package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/maxpert/redoflow/decoder"
	"github.com/maxpert/redoflow/dictionary"
	"github.com/maxpert/redoflow/mining"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/scope"
	"github.com/maxpert/redoflow/txbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tableA = redo.TableID{Object: 100}
	tableB = redo.TableID{Object: 200}
	ghost  = redo.TableID{Object: 999}
)

func pos(lsn uint64, sub uint32) redo.Position {
	return redo.Position{LSN: lsn, SubSeq: sub}
}

func insertRow(p redo.Position, xid string, table redo.TableID, id string) redo.Row {
	return redo.Row{
		Position: p,
		Xid:      xid,
		Table:    table,
		Op:       redo.OpInsert,
		Payload:  redo.Payload{Redo: fmt.Sprintf(`insert into "SCOTT"."A"("ID") values ('%s')`, id)},
	}
}

func updateRow(p redo.Position, xid string, from, to string) redo.Row {
	return redo.Row{
		Position: p,
		Xid:      xid,
		Table:    tableA,
		Op:       redo.OpUpdate,
		Payload:  redo.Payload{Redo: fmt.Sprintf(`update "SCOTT"."A" set "ID" = '%s' where "ID" = '%s'`, to, from)},
	}
}

func commitRow(p redo.Position, xid string) redo.Row {
	return redo.Row{Position: p, Xid: xid, Marker: redo.MarkerCommit}
}

func rollbackRow(p redo.Position, xid string) redo.Row {
	return redo.Row{Position: p, Xid: xid, Marker: redo.MarkerRollback}
}

// failingDecoder rejects every statement
type failingDecoder struct{}

func (failingDecoder) Decode(*redo.TableMetadata, redo.Statement) (decoder.Change, error) {
	return decoder.Change{}, decoder.ErrUndecodable
}

type harness struct {
	source    *mining.MemorySource
	queue     *mining.ReadyQueue
	scope     *scope.Cache
	assembler *mining.Assembler
	driver    *Driver
}

func newHarness(t *testing.T, dec decoder.Decoder) *harness {
	t.Helper()
	filter, err := scope.NewGlobFilter([]string{"SCOTT.*"}, []string{"SCOTT.B"})
	require.NoError(t, err)

	cache, err := scope.NewCache(scope.Config{
		Filter: filter,
		Resolver: dictionary.StaticResolver{
			tableA: {Owner: "SCOTT", Name: "A", PrimaryKey: []string{"ID"}, Columns: []redo.Column{{Name: "ID", IsPK: true}}},
			tableB: {Owner: "SCOTT", Name: "B"},
		},
		Schema:     redo.SchemaKafkaStd,
		TopicParam: "cdc",
	})
	require.NoError(t, err)

	if dec == nil {
		dec, err = decoder.NewRedoSQL()
		require.NoError(t, err)
	}

	h := &harness{
		source: mining.NewMemorySource(redo.DatabaseIdentity{DBID: 42}),
		queue:  mining.NewReadyQueue(),
		scope:  cache,
	}
	h.assembler, err = mining.NewAssembler(mining.AssemblerConfig{
		Source:       h.source,
		Scope:        cache,
		Queue:        h.queue,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	h.driver, err = NewDriver(Config{
		Queue:       h.queue,
		Scope:       cache,
		Decoder:     dec,
		Assembler:   h.assembler,
		PollTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.assembler.Stop()
		h.driver.Close()
		h.assembler.Close()
		h.queue.Close()
	})
	return h
}

func (h *harness) start(t *testing.T, resume mining.ResumeState) {
	t.Helper()
	_, err := h.assembler.Start(context.Background(), redo.Position{}, resume)
	require.NoError(t, err)
}

func (h *harness) waitWatermark(t *testing.T, p redo.Position) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.assembler.Watermark().Less(p)
	}, 5*time.Second, time.Millisecond)
}

// pollAll polls until n records arrived
func (h *harness) pollAll(t *testing.T, batch, n int) []Record {
	t.Helper()
	var out []Record
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		recs, err := h.driver.PollBatch(context.Background(), batch)
		require.NoError(t, err)
		require.LessOrEqual(t, len(recs), batch)
		out = append(out, recs...)
	}
	require.Len(t, out, n)
	return out
}

func TestDriverDeliversTransaction(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.source.AddFile(
		insertRow(pos(10, 0), "X", tableA, "1"),
		updateRow(pos(10, 1), "X", "1", "2"),
		commitRow(pos(10, 2), "X"),
	))
	h.start(t, mining.ResumeState{})
	h.waitWatermark(t, pos(10, 2))

	recs, err := h.driver.PollBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, redo.OpInsert, recs[0].Op)
	assert.Equal(t, pos(10, 0), recs[0].Position)
	assert.Equal(t, map[string]any{"ID": "1"}, recs[0].After)
	assert.Equal(t, map[string]any{"ID": "1"}, recs[0].Key)
	assert.Equal(t, "cdc_A", recs[0].Topic())

	assert.Equal(t, redo.OpUpdate, recs[1].Op)
	assert.Equal(t, pos(10, 1), recs[1].Position)
	assert.Equal(t, pos(10, 2), recs[1].CommitPosition)
	assert.Equal(t, map[string]any{"ID": "1"}, recs[1].Before)
	assert.Equal(t, map[string]any{"ID": "2"}, recs[1].After)

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, pos(10, 1), h.driver.LastEmitted())

	recs, err = h.driver.PollBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, draining := h.driver.InFlight()
	assert.False(t, draining)
}

func TestDriverOrdersByCommitWithoutInterleaving(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.source.AddFile(
		insertRow(pos(1, 0), "T1", tableA, "a1"),
		insertRow(pos(2, 0), "T2", tableA, "b1"),
		insertRow(pos(3, 0), "T2", tableA, "b2"),
		insertRow(pos(4, 0), "T1", tableA, "a2"),
		commitRow(pos(5, 0), "T2"),
		insertRow(pos(6, 0), "T1", tableA, "a3"),
		commitRow(pos(7, 0), "T1"),
	))
	h.start(t, mining.ResumeState{})
	h.waitWatermark(t, pos(7, 0))

	recs := h.pollAll(t, 2, 5)

	var xids []string
	var positions []redo.Position
	for _, r := range recs {
		xids = append(xids, r.Xid)
		positions = append(positions, r.Position)
	}
	assert.Equal(t, []string{"T2", "T2", "T1", "T1", "T1"}, xids)
	assert.Equal(t, []redo.Position{pos(2, 0), pos(3, 0), pos(1, 0), pos(4, 0), pos(6, 0)}, positions)
}

func TestDriverSkipsRolledBackAndOutOfScope(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.source.AddFile(
		insertRow(pos(1, 0), "R", tableA, "r"),
		insertRow(pos(2, 0), "B", tableB, "b"),
		rollbackRow(pos(3, 0), "R"),
		commitRow(pos(4, 0), "B"),
		insertRow(pos(5, 0), "K", tableA, "k"),
		commitRow(pos(6, 0), "K"),
	))
	h.start(t, mining.ResumeState{})
	h.waitWatermark(t, pos(6, 0))

	recs := h.pollAll(t, 10, 1)
	assert.Equal(t, "K", recs[0].Xid)

	recs, err := h.driver.PollBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDriverPollTimesOutWithEmptyBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, mining.ResumeState{})

	start := time.Now()
	recs, err := h.driver.PollBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	_, err = h.driver.PollBatch(context.Background(), 0)
	assert.Error(t, err)
}

func TestDriverMissingMetadataIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, mining.ResumeState{Ready: []txbuf.Snapshot{{
		Xid:       "G",
		First:     pos(1, 0),
		Last:      pos(1, 0),
		Commit:    pos(2, 0),
		Committed: true,
		Statements: []redo.Statement{
			redo.StatementFromRow(insertRow(pos(1, 0), "G", ghost, "g")),
		},
	}}})

	_, err := h.driver.PollBatch(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConsistency))

	// stays failed
	_, err = h.driver.PollBatch(context.Background(), 10)
	assert.ErrorIs(t, err, ErrConsistency)
	assert.ErrorIs(t, h.driver.Err(), ErrConsistency)
}

func TestDriverUndecodableStatementIsFatal(t *testing.T) {
	h := newHarness(t, failingDecoder{})
	h.start(t, mining.ResumeState{Ready: []txbuf.Snapshot{{
		Xid:       "X",
		First:     pos(1, 0),
		Last:      pos(1, 0),
		Commit:    pos(2, 0),
		Committed: true,
		Statements: []redo.Statement{
			redo.StatementFromRow(insertRow(pos(1, 0), "X", tableA, "1")),
		},
	}}})

	recs, err := h.driver.PollBatch(context.Background(), 10)
	require.Error(t, err)
	assert.Empty(t, recs)
	assert.ErrorIs(t, err, decoder.ErrUndecodable)
	assert.ErrorContains(t, err, "X")

	_, err = h.driver.PollBatch(context.Background(), 10)
	assert.ErrorIs(t, err, decoder.ErrUndecodable)
	assert.ErrorIs(t, h.driver.Err(), decoder.ErrUndecodable)
}

func TestDriverCheckpointMidTransaction(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.source.AddFile(
		insertRow(pos(1, 0), "X", tableA, "1"),
		insertRow(pos(1, 1), "X", tableA, "2"),
		insertRow(pos(1, 2), "X", tableA, "3"),
		commitRow(pos(2, 0), "X"),
		insertRow(pos(3, 0), "Z", tableA, "z"),
		commitRow(pos(4, 0), "Z"),
		insertRow(pos(5, 0), "Y", tableA, "y"),
	))
	h.start(t, mining.ResumeState{})
	h.waitWatermark(t, pos(5, 0))

	recs := h.pollAll(t, 2, 2)
	assert.Equal(t, pos(1, 1), recs[1].Position)

	snap, err := h.driver.Checkpoint(true)
	require.NoError(t, err)
	assert.True(t, snap.Complete)
	assert.Equal(t, pos(5, 0), snap.Position)
	assert.Equal(t, pos(1, 1), snap.LastEmitted)

	require.NotNil(t, snap.InFlight)
	assert.Equal(t, "X", snap.InFlight.Xid)
	require.Len(t, snap.InFlight.Statements, 1)
	assert.Equal(t, pos(1, 2), snap.InFlight.Statements[0].Position)

	require.Len(t, snap.Ready, 1)
	assert.Equal(t, "Z", snap.Ready[0].Xid)
	require.Len(t, snap.Open, 1)
	assert.Equal(t, "Y", snap.Open[0].Xid)
	assert.Equal(t, []redo.TableID{tableA}, snap.InScopeTables())

	partial, err := h.driver.Checkpoint(false)
	require.NoError(t, err)
	assert.False(t, partial.Complete)
	assert.Nil(t, partial.InFlight)
	assert.Empty(t, partial.Ready)
	assert.Len(t, partial.Open, 1)
}

func TestDriverRestoreContinuesInFlight(t *testing.T) {
	h := newHarness(t, nil)
	inFlight := &txbuf.Snapshot{
		Xid:       "X",
		First:     pos(1, 0),
		Last:      pos(1, 2),
		Commit:    pos(2, 0),
		Committed: true,
		Statements: []redo.Statement{
			redo.StatementFromRow(insertRow(pos(1, 2), "X", tableA, "3")),
		},
	}
	require.NoError(t, h.scope.Seed(context.Background(), []redo.TableID{tableA}, nil))
	require.NoError(t, h.driver.Restore(inFlight, pos(1, 1), txbuf.Options{}))
	h.start(t, mining.ResumeState{Ready: []txbuf.Snapshot{{
		Xid: "Z", Seq: 1, First: pos(3, 0), Last: pos(3, 0), Commit: pos(4, 0), Committed: true,
		Statements: []redo.Statement{redo.StatementFromRow(insertRow(pos(3, 0), "Z", tableA, "z"))},
	}}})

	recs := h.pollAll(t, 10, 2)
	assert.Equal(t, pos(1, 2), recs[0].Position)
	assert.Equal(t, "X", recs[0].Xid)
	assert.Equal(t, pos(3, 0), recs[1].Position)

	open := &txbuf.Snapshot{Xid: "O"}
	assert.Error(t, h.driver.Restore(open, redo.Position{}, txbuf.Options{}))
}
