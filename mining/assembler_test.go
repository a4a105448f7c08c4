package mining

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/maxpert/redoflow/dictionary"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/scope"
	"github.com/maxpert/redoflow/txbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tableA = redo.TableID{Object: 100}
	tableB = redo.TableID{Object: 200}
)

func pos(lsn uint64, sub uint32) redo.Position {
	return redo.Position{LSN: lsn, SubSeq: sub}
}

func dataRow(p redo.Position, xid string, table redo.TableID, op redo.OpKind) redo.Row {
	return redo.Row{
		Position: p,
		Xid:      xid,
		Table:    table,
		Op:       op,
		Payload:  redo.Payload{Redo: fmt.Sprintf("-- %s at %s", op, p)},
	}
}

func commitRow(p redo.Position, xid string) redo.Row {
	return redo.Row{Position: p, Xid: xid, Marker: redo.MarkerCommit}
}

func rollbackRow(p redo.Position, xid string) redo.Row {
	return redo.Row{Position: p, Xid: xid, Marker: redo.MarkerRollback}
}

type harness struct {
	source    *MemorySource
	queue     *ReadyQueue
	scope     *scope.Cache
	assembler *Assembler
}

func newHarness(t *testing.T, limits SessionLimits) *harness {
	t.Helper()
	filter, err := scope.NewGlobFilter([]string{"SCOTT.*"}, []string{"SCOTT.B"})
	require.NoError(t, err)

	cache, err := scope.NewCache(scope.Config{
		Filter: filter,
		Resolver: dictionary.StaticResolver{
			tableA: {Owner: "SCOTT", Name: "A"},
			tableB: {Owner: "SCOTT", Name: "B"},
		},
	})
	require.NoError(t, err)

	h := &harness{
		source: NewMemorySource(redo.DatabaseIdentity{DBID: 42}),
		queue:  NewReadyQueue(),
		scope:  cache,
	}
	h.assembler, err = NewAssembler(AssemblerConfig{
		Source:       h.source,
		Scope:        cache,
		Queue:        h.queue,
		Limits:       limits,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.assembler.Stop()
		h.assembler.Close()
		h.queue.Close()
	})
	return h
}

func (h *harness) waitWatermark(t *testing.T, p redo.Position) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.assembler.Watermark().Less(p)
	}, 5*time.Second, time.Millisecond)
}

func drain(t *testing.T, b *txbuf.Buffer) []redo.Statement {
	t.Helper()
	var out []redo.Statement
	for {
		s, ok, err := b.DrainNext()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func TestAssemblerCommitsInOrder(t *testing.T) {
	h := newHarness(t, SessionLimits{})
	require.NoError(t, h.source.AddFile(
		dataRow(pos(10, 0), "X", tableA, redo.OpInsert),
		dataRow(pos(10, 1), "X", tableA, redo.OpUpdate),
		commitRow(pos(10, 2), "X"),
	))

	_, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)
	h.waitWatermark(t, pos(10, 2))

	buf, ok := h.queue.TryPop()
	require.True(t, ok)
	assert.Equal(t, "X", buf.Xid())
	assert.Equal(t, pos(10, 2), buf.CommitPosition())

	stmts := drain(t, buf)
	require.Len(t, stmts, 2)
	assert.Equal(t, redo.OpInsert, stmts[0].Op)
	assert.Equal(t, redo.OpUpdate, stmts[1].Op)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.assembler.OpenTransactions())
}

func TestAssemblerOutOfScopeAdvancesWatermark(t *testing.T) {
	h := newHarness(t, SessionLimits{})
	require.NoError(t, h.source.AddFile(
		dataRow(pos(11, 0), "Y", tableB, redo.OpInsert),
		commitRow(pos(11, 1), "Y"),
	))

	_, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)
	h.waitWatermark(t, pos(11, 1))

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.assembler.OpenTransactions())
	assert.Equal(t, []redo.TableID{tableB}, h.scope.OutOfScopeIDs())
}

func TestAssemblerRollbackLeavesNoTrace(t *testing.T) {
	h := newHarness(t, SessionLimits{})
	require.NoError(t, h.source.AddFile(
		dataRow(pos(12, 0), "R", tableA, redo.OpInsert),
		dataRow(pos(12, 1), "K", tableA, redo.OpInsert),
		rollbackRow(pos(12, 2), "R"),
	))

	_, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)
	h.waitWatermark(t, pos(12, 2))

	snap, err := h.assembler.Snapshot(true)
	require.NoError(t, err)
	assert.Equal(t, pos(12, 2), snap.Watermark)
	require.Len(t, snap.Open, 1)
	assert.Equal(t, "K", snap.Open[0].Xid)
	assert.Empty(t, snap.Ready)
}

func TestAssemblerIgnoresUnknownMarkers(t *testing.T) {
	h := newHarness(t, SessionLimits{})
	require.NoError(t, h.source.AddFile(
		commitRow(pos(13, 0), "nobody"),
		rollbackRow(pos(13, 1), "nobody-else"),
	))

	_, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)
	h.waitWatermark(t, pos(13, 1))
	assert.Equal(t, 0, h.queue.Len())
}

func TestAssemblerSessionLimits(t *testing.T) {
	h := newHarness(t, SessionLimits{MaxFiles: 1})
	require.NoError(t, h.source.AddFile(dataRow(pos(1, 0), "X", tableA, redo.OpInsert)))
	require.NoError(t, h.source.AddFile(dataRow(pos(2, 0), "X", tableA, redo.OpInsert)))
	require.NoError(t, h.source.AddFile(commitRow(pos(3, 0), "X")))

	_, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)
	h.waitWatermark(t, pos(3, 0))

	assert.GreaterOrEqual(t, h.source.Sessions(), 3)
	buf, ok := h.queue.TryPop()
	require.True(t, ok)
	assert.Len(t, drain(t, buf), 2)
}

func TestAssemblerSourceFailureIsFatal(t *testing.T) {
	h := newHarness(t, SessionLimits{})
	boom := errors.New("ORA-01291: missing logfile")
	h.source.Fail(boom)

	fut, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)

	_, err = fut.Get()
	require.ErrorIs(t, err, ErrSourceFailed)
	assert.Contains(t, err.Error(), "missing logfile")
	assert.ErrorIs(t, h.assembler.Err(), ErrSourceFailed)
}

func TestAssemblerStopResolvesFuture(t *testing.T) {
	h := newHarness(t, SessionLimits{})

	fut, err := h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	require.NoError(t, err)

	_, err = h.assembler.Start(context.Background(), redo.Position{}, ResumeState{})
	assert.Error(t, err, "second start must fail")

	h.assembler.Stop()
	_, err = fut.Get()
	assert.NoError(t, err)
	assert.NoError(t, h.assembler.Err())
}

func TestAssemblerKeepsMiningAfterStartContextCancelled(t *testing.T) {
	h := newHarness(t, SessionLimits{})
	require.NoError(t, h.source.AddFile(
		dataRow(pos(10, 0), "X", tableA, redo.OpInsert),
		commitRow(pos(10, 1), "X"),
	))

	ctx, cancel := context.WithCancel(context.Background())
	fut, err := h.assembler.Start(ctx, redo.Position{}, ResumeState{})
	require.NoError(t, err)
	h.waitWatermark(t, pos(10, 1))

	cancel()
	require.NoError(t, h.source.AddFile(
		dataRow(pos(20, 0), "Z", tableA, redo.OpDelete),
		commitRow(pos(20, 1), "Z"),
	))
	h.waitWatermark(t, pos(20, 1))
	assert.Equal(t, 2, h.queue.Len())
	assert.False(t, fut.Done(), "only Stop ends the mining loop")

	h.assembler.Stop()
	_, err = fut.Get()
	assert.NoError(t, err)
	assert.Equal(t, pos(20, 1), h.assembler.Watermark())
}

func TestAssemblerResumesOpenTransaction(t *testing.T) {
	h := newHarness(t, SessionLimits{})

	// Y had three statements before the checkpoint at (20,0,0)
	pre := txbuf.New("Y", 7, txbuf.Options{})
	for i := uint32(0); i < 3; i++ {
		_, err := pre.Append(redo.StatementFromRow(dataRow(pos(19, i), "Y", tableA, redo.OpInsert)))
		require.NoError(t, err)
	}
	snapY, err := pre.Snapshot()
	require.NoError(t, err)

	// The log still holds the pre-checkpoint rows; only rows after (20,0,0) may be mined
	require.NoError(t, h.source.AddFile(
		dataRow(pos(19, 0), "Y", tableA, redo.OpInsert),
		dataRow(pos(19, 1), "Y", tableA, redo.OpInsert),
		dataRow(pos(19, 2), "Y", tableA, redo.OpInsert),
		dataRow(pos(20, 0), "Z", tableB, redo.OpInsert),
		dataRow(pos(21, 0), "Y", tableA, redo.OpDelete),
		dataRow(pos(21, 1), "N", tableA, redo.OpInsert),
		commitRow(pos(22, 0), "Y"),
		commitRow(pos(22, 1), "N"),
	))

	_, err = h.assembler.Start(context.Background(), pos(20, 0), ResumeState{Open: []txbuf.Snapshot{snapY}})
	require.NoError(t, err)
	h.waitWatermark(t, pos(22, 1))

	buf, ok := h.queue.TryPop()
	require.True(t, ok)
	assert.Equal(t, "Y", buf.Xid())
	stmts := drain(t, buf)
	require.Len(t, stmts, 4)
	for i, want := range []redo.Position{pos(19, 0), pos(19, 1), pos(19, 2), pos(21, 0)} {
		assert.Equal(t, want, stmts[i].Position)
	}

	buf, ok = h.queue.TryPop()
	require.True(t, ok)
	assert.Equal(t, "N", buf.Xid())
	assert.Greater(t, buf.Seq(), uint64(7), "new transactions are ordered after restored ones")
}

func TestAssemblerRestoresReadyQueue(t *testing.T) {
	h := newHarness(t, SessionLimits{})

	done := txbuf.New("D", 1, txbuf.Options{})
	_, err := done.Append(redo.StatementFromRow(dataRow(pos(5, 0), "D", tableA, redo.OpInsert)))
	require.NoError(t, err)
	require.NoError(t, done.Commit(pos(5, 1)))
	snapD, err := done.Snapshot()
	require.NoError(t, err)

	open := txbuf.New("O", 2, txbuf.Options{})
	_, err = open.Append(redo.StatementFromRow(dataRow(pos(5, 2), "O", tableA, redo.OpInsert)))
	require.NoError(t, err)
	snapO, err := open.Snapshot()
	require.NoError(t, err)

	_, err = h.assembler.Start(context.Background(), pos(6, 0), ResumeState{Ready: []txbuf.Snapshot{snapO}})
	assert.Error(t, err, "uncommitted transactions cannot be ready")

	_, err = h.assembler.Start(context.Background(), pos(6, 0), ResumeState{Ready: []txbuf.Snapshot{snapD}})
	require.NoError(t, err)
	assert.Equal(t, 1, h.assembler.ReadyTransactions())
}
