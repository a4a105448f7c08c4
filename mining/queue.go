package mining

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/redoflow/txbuf"
)

// ReadyQueue holds committed transactions in (commit position, creation
// order). The assembler pushes, the delivery driver pops.
type ReadyQueue struct {
	mu     sync.Mutex
	items  []*txbuf.Buffer
	signal chan struct{}
}

// NewReadyQueue creates an empty queue
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{signal: make(chan struct{}, 1)}
}

func readyBefore(a, b *txbuf.Buffer) bool {
	if c := a.CommitPosition().Compare(b.CommitPosition()); c != 0 {
		return c < 0
	}
	return a.Seq() < b.Seq()
}

// Push inserts a committed buffer at its ordered place and wakes a waiter
func (q *ReadyQueue) Push(buf *txbuf.Buffer) {
	q.mu.Lock()
	idx := sort.Search(len(q.items), func(i int) bool {
		return readyBefore(buf, q.items[i])
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = buf
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the head without waiting
func (q *ReadyQueue) TryPop() (*txbuf.Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head, true
}

// Wait blocks until the queue is non-empty, the timeout elapses or ctx is
// done. It reports whether a transaction is available.
func (q *ReadyQueue) Wait(ctx context.Context, timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if q.Len() > 0 {
				return true
			}
		case <-timer.C:
			return q.Len() > 0
		case <-ctx.Done():
			return false
		}
	}
}

// Len returns the number of queued transactions
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot captures every queued transaction in delivery order
func (q *ReadyQueue) Snapshot() ([]txbuf.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snaps := make([]txbuf.Snapshot, 0, len(q.items))
	for _, buf := range q.items {
		snap, err := buf.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("ready queue snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Close releases every queued buffer
func (q *ReadyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, buf := range q.items {
		buf.Close()
	}
	q.items = nil
}

// sortSnapshots orders transactions by creation so checkpoints are stable
func sortSnapshots(snaps []txbuf.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Seq < snaps[j].Seq })
}
