package mining

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/scope"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/maxpert/redoflow/txbuf"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is the pause after a session that yielded no rows
const DefaultPollInterval = time.Second

// AssemblerConfig configures the transaction assembler
type AssemblerConfig struct {
	Source       Source
	Scope        *scope.Cache
	Queue        *ReadyQueue
	Buffers      txbuf.Options
	Limits       SessionLimits
	PollInterval time.Duration
}

// ResumeState seeds the assembler from a checkpoint
type ResumeState struct {
	Open  []txbuf.Snapshot // transactions still waiting for their marker
	Ready []txbuf.Snapshot // committed transactions not yet delivered
}

// AssemblerSnapshot is a point-in-time copy of the assembler state
type AssemblerSnapshot struct {
	// Watermark is the position of the last mined row; every statement at or
	// before it is either in Open, in Ready, or already handed to the driver.
	Watermark redo.Position
	Open      []txbuf.Snapshot
	Ready     []txbuf.Snapshot
}

// Assembler is the producer side of the pipeline: it runs the mining loop and
// owns OPEN transactions until their commit or rollback marker.
type Assembler struct {
	config AssemblerConfig

	// mu guards open, watermark and seq. Lock order: driver, assembler, queue.
	mu        sync.Mutex
	open      map[string]*txbuf.Buffer
	watermark redo.Position
	seq       uint64

	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	running     atomic.Bool
	lifecycleMu sync.Mutex
	failure     atomic.Pointer[error]
}

// NewAssembler creates an assembler
func NewAssembler(config AssemblerConfig) (*Assembler, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Scope == nil {
		return nil, fmt.Errorf("scope cache is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("ready queue is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &Assembler{
		config: config,
		open:   make(map[string]*txbuf.Buffer),
	}, nil
}

// Start restores resume state and launches the mining loop, which mines rows
// strictly after from. The returned future resolves when the loop exits; its
// error is nil after Stop and fatal otherwise. Cancelling ctx does not end
// mining: the loop keeps the context's values only and runs until Stop.
func (a *Assembler) Start(ctx context.Context, from redo.Position, resume ResumeState) (*future.Future[struct{}], error) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.running.Load() {
		return nil, fmt.Errorf("assembler already running")
	}

	if err := a.restore(from, resume); err != nil {
		return nil, err
	}

	a.running.Store(true)
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	mineCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	log.Info().
		Str("position", from.String()).
		Int("open", len(resume.Open)).
		Int("ready", len(resume.Ready)).
		Msg("Starting transaction assembler")

	p := future.NewPromise[struct{}]()
	go func() {
		defer close(a.doneCh)
		defer cancel()
		err := a.mineLoop(mineCtx)
		if err != nil {
			a.failure.Store(&err)
			log.Error().Err(err).Str("position", a.Watermark().String()).Msg("Mining loop failed")
		}
		p.Set(struct{}{}, err)
	}()

	return p.Future(), nil
}

func (a *Assembler) restore(from redo.Position, resume ResumeState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.watermark = from
	for _, snap := range resume.Open {
		buf, err := txbuf.Restore(snap, a.config.Buffers)
		if err != nil {
			return err
		}
		a.open[snap.Xid] = buf
		a.bumpSeq(snap.Seq)
	}
	for _, snap := range resume.Ready {
		if !snap.Committed {
			return fmt.Errorf("ready transaction %s is not committed", snap.Xid)
		}
		buf, err := txbuf.Restore(snap, a.config.Buffers)
		if err != nil {
			return err
		}
		a.config.Queue.Push(buf)
		a.bumpSeq(snap.Seq)
	}
	return nil
}

// bumpSeq keeps new transactions ordered after restored ones
func (a *Assembler) bumpSeq(restored uint64) {
	if restored >= a.seq {
		a.seq = restored + 1
	}
}

// Stop asks the mining loop to exit after the current source call and waits for it
func (a *Assembler) Stop() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.running.Load() {
		return
	}

	log.Info().Msg("Stopping transaction assembler")

	close(a.stopCh)
	a.cancel()
	<-a.doneCh
	a.running.Store(false)

	log.Info().Str("position", a.Watermark().String()).Msg("Transaction assembler stopped")
}

// Close releases every open buffer. Call after Stop.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for xid, buf := range a.open {
		buf.Close()
		delete(a.open, xid)
	}
}

// Err returns the fatal error that ended the mining loop, if any
func (a *Assembler) Err() error {
	if err := a.failure.Load(); err != nil {
		return *err
	}
	return nil
}

// Watermark returns the position of the last mined row
func (a *Assembler) Watermark() redo.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// OpenTransactions returns the number of transactions awaiting a marker
func (a *Assembler) OpenTransactions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// ReadyTransactions returns the ready queue depth
func (a *Assembler) ReadyTransactions() int {
	return a.config.Queue.Len()
}

// Snapshot takes a consistent copy of the watermark, open transactions and
// ready queue. includeReady=false skips the ready queue.
func (a *Assembler) Snapshot(includeReady bool) (AssemblerSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := AssemblerSnapshot{
		Watermark: a.watermark,
		Open:      make([]txbuf.Snapshot, 0, len(a.open)),
	}
	for _, buf := range a.open {
		s, err := buf.Snapshot()
		if err != nil {
			return AssemblerSnapshot{}, err
		}
		snap.Open = append(snap.Open, s)
	}
	sortSnapshots(snap.Open)

	if includeReady {
		ready, err := a.config.Queue.Snapshot()
		if err != nil {
			return AssemblerSnapshot{}, err
		}
		snap.Ready = ready
	}
	return snap, nil
}

func (a *Assembler) mineLoop(ctx context.Context) error {
	for {
		select {
		case <-a.stopCh:
			return nil
		default:
		}

		rows, stopped, err := a.runSession(ctx)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}

		if rows == 0 {
			if !a.sleep(ctx, a.config.PollInterval) {
				return nil
			}
		}
	}
}

// runSession mines one bounded session and reports how many rows it yielded
func (a *Assembler) runSession(ctx context.Context) (rows int, stopped bool, err error) {
	from := a.Watermark()
	session, err := a.config.Source.Open(ctx, from, a.config.Limits)
	if err != nil {
		if ctx.Err() != nil {
			return 0, true, nil
		}
		telemetry.MiningSessionsTotal.With("failed").Inc()
		return 0, false, fmt.Errorf("%w: opening session after %s: %v", ErrSourceFailed, from, err)
	}
	telemetry.MiningSessionsTotal.With("success").Inc()
	defer session.Close()

	for {
		select {
		case <-a.stopCh:
			return rows, true, nil
		default:
		}

		row, err := session.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Debug().Int("rows", rows).Str("position", a.Watermark().String()).Msg("Mining session finished")
			return rows, false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return rows, true, nil
			}
			return rows, false, fmt.Errorf("%w: %v", ErrSourceFailed, err)
		}

		if err := a.handleRow(ctx, row); err != nil {
			// The watermark only moves after a handled row, so the row is mined again
			if a.stopping() && ctx.Err() != nil {
				return rows, true, nil
			}
			return rows, false, err
		}
		rows++
	}
}

func (a *Assembler) handleRow(ctx context.Context, row redo.Row) error {
	var decision scope.Decision
	if row.Marker == redo.MarkerNone {
		// Resolve outside the lock, dictionary lookups may be slow
		var err error
		decision, err = a.config.Scope.Resolve(ctx, row.Table)
		if err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.watermark.Less(row.Position) {
		return fmt.Errorf("%w: row %s is not after %s", ErrSourceFailed, row.Position, a.watermark)
	}

	switch row.Marker {
	case redo.MarkerCommit:
		telemetry.RowsMinedTotal.With("commit").Inc()
		a.commitLocked(row)
	case redo.MarkerRollback:
		telemetry.RowsMinedTotal.With("rollback").Inc()
		a.rollbackLocked(row)
	default:
		telemetry.RowsMinedTotal.With("data").Inc()
		if !decision.InScope {
			telemetry.RowsOutOfScopeTotal.Inc()
			break
		}
		if err := a.appendLocked(row); err != nil {
			return err
		}
	}

	a.watermark = row.Position
	telemetry.MinedLSN.Set(float64(row.Position.LSN))
	return nil
}

func (a *Assembler) appendLocked(row redo.Row) error {
	buf, ok := a.open[row.Xid]
	if !ok {
		buf = txbuf.New(row.Xid, a.seq, a.config.Buffers)
		a.seq++
		a.open[row.Xid] = buf
		log.Debug().Str("xid", row.Xid).Str("position", row.Position.String()).Msg("Transaction opened")
	}

	if _, err := buf.Append(redo.StatementFromRow(row)); err != nil {
		return fmt.Errorf("append to %s: %w", row.Xid, err)
	}
	return nil
}

func (a *Assembler) commitLocked(row redo.Row) {
	buf, ok := a.open[row.Xid]
	if !ok {
		// Transaction touched no in-scope table
		return
	}
	delete(a.open, row.Xid)

	if buf.Len() == 0 {
		buf.Close()
		telemetry.TxnTotal.With("empty").Inc()
		return
	}

	if err := buf.Commit(row.Position); err != nil {
		// Buffers in the open map are always OPEN
		log.Error().Err(err).Str("xid", row.Xid).Msg("Unable to commit transaction buffer")
		buf.Close()
		return
	}

	telemetry.TxnTotal.With("committed").Inc()
	telemetry.TxnStatements.Observe(float64(buf.Len()))
	log.Debug().
		Str("xid", row.Xid).
		Str("position", row.Position.String()).
		Int("statements", buf.Len()).
		Bool("spilled", buf.Spilled()).
		Msg("Transaction committed")

	a.config.Queue.Push(buf)
}

func (a *Assembler) rollbackLocked(row redo.Row) {
	buf, ok := a.open[row.Xid]
	if !ok {
		return
	}
	delete(a.open, row.Xid)

	if err := buf.Discard(); err != nil {
		log.Warn().Err(err).Str("xid", row.Xid).Msg("Failed to release rolled back transaction")
	}
	telemetry.TxnTotal.With("rolled_back").Inc()
	log.Debug().Str("xid", row.Xid).Str("position", row.Position.String()).Msg("Transaction rolled back")
}

func (a *Assembler) stopping() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (a *Assembler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-a.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
