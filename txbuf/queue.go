package txbuf

import "github.com/maxpert/redoflow/redo"

// statementQueue is one storage tier of a buffer: a FIFO of statements
type statementQueue interface {
	Push(stmt redo.Statement) error
	// Pop removes the oldest statement; ok is false when empty
	Pop() (stmt redo.Statement, ok bool, err error)
	// Remaining returns the undrained statements in order without removing them
	Remaining() ([]redo.Statement, error)
	Len() int
	// Bytes is the payload size held in memory by this tier
	Bytes() int64
	Close() error
}

// memoryQueue keeps statements in a slice; drained slots are cleared so their
// payloads can be collected.
type memoryQueue struct {
	items []redo.Statement
	head  int
	bytes int64
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{}
}

func (q *memoryQueue) Push(stmt redo.Statement) error {
	q.items = append(q.items, stmt)
	q.bytes += int64(stmt.Payload.Size())
	return nil
}

func (q *memoryQueue) Pop() (redo.Statement, bool, error) {
	if q.head >= len(q.items) {
		return redo.Statement{}, false, nil
	}

	stmt := q.items[q.head]
	q.items[q.head] = redo.Statement{}
	q.head++
	q.bytes -= int64(stmt.Payload.Size())

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return stmt, true, nil
}

func (q *memoryQueue) Remaining() ([]redo.Statement, error) {
	out := make([]redo.Statement, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	return out, nil
}

func (q *memoryQueue) Len() int {
	return len(q.items) - q.head
}

func (q *memoryQueue) Bytes() int64 {
	return q.bytes
}

func (q *memoryQueue) Close() error {
	q.items = nil
	q.head = 0
	q.bytes = 0
	return nil
}
