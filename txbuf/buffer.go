// Package txbuf stores the statements of one transaction in mining order and
// replays them once the transaction commits. Small transactions live in
// memory; a buffer that outgrows its limits moves to a pebble-backed spill
// store without its callers noticing.
package txbuf

import (
	"errors"
	"fmt"

	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotOpen is returned when appending to a buffer that is no longer OPEN
	ErrNotOpen = errors.New("transaction buffer is not open")
	// ErrOutOfOrder is returned when a statement does not follow the previous one
	ErrOutOfOrder = errors.New("statement position is not after the previous statement")
	// ErrChecksum is returned when a spilled statement fails verification
	ErrChecksum = errors.New("spilled statement checksum mismatch")
)

// State is the lifecycle state of a transaction
type State uint8

const (
	StateOpen State = iota
	StateCommitted
	StateDraining
	StateClosed
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCommitted:
		return "COMMITTED"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateDiscarded:
		return "DISCARDED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Limits bound the memory tier of a buffer. Zero values disable the bound.
type Limits struct {
	MemoryStatements int
	MemoryBytes      int64
}

func (l Limits) exceeded(statements int, bytes int64) bool {
	if l.MemoryStatements > 0 && statements > l.MemoryStatements {
		return true
	}
	return l.MemoryBytes > 0 && bytes > l.MemoryBytes
}

// Options configure new and restored buffers
type Options struct {
	Limits Limits
	Spill  *SpillStore // nil keeps every buffer in memory
}

// Snapshot is the serializable form of a buffer: identity, positions and the
// statements not yet drained.
type Snapshot struct {
	Xid        string           `msgpack:"xid" json:"xid" yaml:"xid"`
	Seq        uint64           `msgpack:"seq" json:"seq" yaml:"seq"`
	First      redo.Position    `msgpack:"first" json:"first" yaml:"first"`
	Last       redo.Position    `msgpack:"last" json:"last" yaml:"last"`
	Commit     redo.Position    `msgpack:"commit" json:"commit" yaml:"commit"`
	Committed  bool             `msgpack:"committed" json:"committed" yaml:"committed"`
	Statements []redo.Statement `msgpack:"stmts" json:"statements" yaml:"statements"`
}

// Buffer holds one transaction's statements. A buffer has a single owner at a
// time (assembler while OPEN, ready queue, then driver) and is not safe for
// concurrent use.
type Buffer struct {
	xid   string
	seq   uint64
	state State

	first  redo.Position
	last   redo.Position
	commit redo.Position
	floor  redo.Position // restored statements end here; later duplicates are skipped

	queue   statementQueue
	spilled bool
	opts    Options
}

// New creates an OPEN buffer. seq is the transaction creation order, used to
// break ties between equal commit positions.
func New(xid string, seq uint64, opts Options) *Buffer {
	return &Buffer{
		xid:   xid,
		seq:   seq,
		state: StateOpen,
		queue: newMemoryQueue(),
		opts:  opts,
	}
}

// Restore rebuilds a buffer from a snapshot. Committed snapshots come back
// COMMITTED, others OPEN. Appends at or before the last restored position
// are skipped as duplicates.
func Restore(snap Snapshot, opts Options) (*Buffer, error) {
	b := New(snap.Xid, snap.Seq, opts)
	for _, stmt := range snap.Statements {
		if err := b.push(stmt); err != nil {
			b.Close()
			return nil, fmt.Errorf("restoring transaction %s: %w", snap.Xid, err)
		}
	}

	b.first = snap.First
	b.last = redo.MaxPosition(snap.Last, b.last)
	b.floor = b.last
	if snap.Committed {
		b.commit = snap.Commit
		b.state = StateCommitted
	}
	return b, nil
}

// Append adds a statement. It reports false when the statement was a
// duplicate of one already restored and was skipped.
func (b *Buffer) Append(stmt redo.Statement) (bool, error) {
	if b.state != StateOpen {
		return false, fmt.Errorf("%w: %s is %s", ErrNotOpen, b.xid, b.state)
	}

	if !b.last.IsZero() && !b.last.Less(stmt.Position) {
		if !b.floor.IsZero() && !b.floor.Less(stmt.Position) {
			log.Debug().Str("xid", b.xid).Str("position", stmt.Position.String()).Msg("Skipping duplicate statement")
			return false, nil
		}
		return false, fmt.Errorf("%w: %s after %s in %s", ErrOutOfOrder, stmt.Position, b.last, b.xid)
	}

	if err := b.push(stmt); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Buffer) push(stmt redo.Statement) error {
	if b.first.IsZero() {
		b.first = stmt.Position
	}

	if !b.spilled && b.opts.Spill != nil &&
		b.opts.Limits.exceeded(b.queue.Len()+1, b.queue.Bytes()+int64(stmt.Payload.Size())) {
		if err := b.spill(); err != nil {
			return err
		}
	}

	if err := b.queue.Push(stmt); err != nil {
		return err
	}
	b.last = stmt.Position
	return nil
}

// spill moves the undrained statements to the spill store and continues there
func (b *Buffer) spill() error {
	remaining, err := b.queue.Remaining()
	if err != nil {
		return err
	}

	disk := b.opts.Spill.newQueue(b.xid)
	for _, stmt := range remaining {
		if err := disk.Push(stmt); err != nil {
			disk.Close()
			return fmt.Errorf("spilling transaction %s: %w", b.xid, err)
		}
	}

	b.queue.Close()
	b.queue = disk
	b.spilled = true
	telemetry.SpilledBuffersTotal.Inc()

	log.Debug().
		Str("xid", b.xid).
		Int("statements", len(remaining)).
		Msg("Transaction buffer spilled to disk")
	return nil
}

// Commit marks the buffer COMMITTED at the given position
func (b *Buffer) Commit(pos redo.Position) error {
	if b.state != StateOpen {
		return fmt.Errorf("%w: cannot commit %s in state %s", ErrNotOpen, b.xid, b.state)
	}
	b.commit = pos
	b.state = StateCommitted
	return nil
}

// Discard drops a rolled back transaction and releases its storage
func (b *Buffer) Discard() error {
	if b.state != StateOpen {
		return fmt.Errorf("%w: cannot discard %s in state %s", ErrNotOpen, b.xid, b.state)
	}
	err := b.queue.Close()
	b.state = StateDiscarded
	return err
}

// DrainNext returns the next statement in original order. ok is false once
// every statement has been drained.
func (b *Buffer) DrainNext() (stmt redo.Statement, ok bool, err error) {
	switch b.state {
	case StateCommitted:
		b.state = StateDraining
	case StateDraining:
	default:
		return redo.Statement{}, false, fmt.Errorf("cannot drain %s in state %s", b.xid, b.state)
	}

	return b.queue.Pop()
}

// Snapshot captures the buffer with its undrained statements only
func (b *Buffer) Snapshot() (Snapshot, error) {
	stmts, err := b.queue.Remaining()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot of %s: %w", b.xid, err)
	}

	return Snapshot{
		Xid:        b.xid,
		Seq:        b.seq,
		First:      b.first,
		Last:       b.last,
		Commit:     b.commit,
		Committed:  b.state == StateCommitted || b.state == StateDraining,
		Statements: stmts,
	}, nil
}

// Close releases storage. Safe to call more than once.
func (b *Buffer) Close() error {
	if b.state == StateClosed || b.state == StateDiscarded {
		return nil
	}
	b.state = StateClosed
	return b.queue.Close()
}

// Xid returns the transaction id
func (b *Buffer) Xid() string { return b.xid }

// Seq returns the creation order of the transaction
func (b *Buffer) Seq() uint64 { return b.seq }

// State returns the lifecycle state
func (b *Buffer) State() State { return b.state }

// FirstPosition returns the position of the first statement
func (b *Buffer) FirstPosition() redo.Position { return b.first }

// LastPosition returns the position of the last appended statement
func (b *Buffer) LastPosition() redo.Position { return b.last }

// CommitPosition returns the commit position, zero while OPEN
func (b *Buffer) CommitPosition() redo.Position { return b.commit }

// Len returns the number of statements not yet drained
func (b *Buffer) Len() int { return b.queue.Len() }

// Spilled reports whether the buffer moved to disk
func (b *Buffer) Spilled() bool { return b.spilled }
