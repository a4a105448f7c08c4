// Package delivery turns committed transactions into records, in commit
// order and without interleaving transactions.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/redoflow/checkpoint"
	"github.com/maxpert/redoflow/decoder"
	"github.com/maxpert/redoflow/mining"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/scope"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/maxpert/redoflow/txbuf"
	"github.com/rs/zerolog/log"
)

// DefaultPollTimeout bounds how long PollBatch waits for a committed transaction
const DefaultPollTimeout = time.Second

// ErrConsistency means a delivered statement references a table without
// metadata, which can only happen through a bookkeeping bug upstream
var ErrConsistency = errors.New("delivery consistency violated")

// Config configures a Driver
type Config struct {
	Queue       *mining.ReadyQueue
	Scope       *scope.Cache
	Decoder     decoder.Decoder
	Assembler   *mining.Assembler
	PollTimeout time.Duration
}

// Driver is the consumer side of the pipeline. It owns the transaction being
// drained and the last emitted position.
type Driver struct {
	config Config

	// mu is held for a whole batch and for checkpoints, so a checkpoint never
	// observes a half-built batch. Lock order: driver, assembler, queue.
	mu          sync.Mutex
	current     *txbuf.Buffer
	lastEmitted redo.Position
	failure     error
}

// NewDriver creates a delivery driver
func NewDriver(config Config) (*Driver, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("ready queue is required")
	}
	if config.Scope == nil {
		return nil, fmt.Errorf("scope cache is required")
	}
	if config.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if config.Assembler == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	return &Driver{config: config}, nil
}

// Restore resumes delivery from a checkpoint: the transaction that was being
// drained continues with its remaining statements before any ready one.
func (d *Driver) Restore(inFlight *txbuf.Snapshot, lastEmitted redo.Position, opts txbuf.Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inFlight != nil && !inFlight.Committed {
		return fmt.Errorf("in-flight transaction %s is not committed", inFlight.Xid)
	}
	d.lastEmitted = lastEmitted
	if inFlight == nil {
		return nil
	}

	buf, err := txbuf.Restore(*inFlight, opts)
	if err != nil {
		return err
	}
	d.current = buf

	log.Info().
		Str("xid", inFlight.Xid).
		Int("remaining", len(inFlight.Statements)).
		Msg("Restored in-flight transaction")
	return nil
}

// PollBatch returns up to maxRecords records. When nothing is being drained it
// waits up to the poll timeout for a committed transaction and returns an
// empty batch when none arrives. A batch may end mid-transaction; the next
// call continues the same transaction.
func (d *Driver) PollBatch(ctx context.Context, maxRecords int) ([]Record, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", maxRecords)
	}

	start := time.Now()
	defer func() {
		telemetry.PollDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	if !d.draining() {
		if !d.config.Queue.Wait(ctx, d.config.PollTimeout) {
			return nil, d.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failure != nil {
		return nil, d.failure
	}

	records := make([]Record, 0, maxRecords)
	for len(records) < maxRecords {
		if d.current == nil {
			buf, ok := d.config.Queue.TryPop()
			if !ok {
				break
			}
			d.current = buf
			log.Debug().
				Str("xid", buf.Xid()).
				Str("commit", buf.CommitPosition().String()).
				Int("statements", buf.Len()).
				Msg("Draining transaction")
		}

		stmt, ok, err := d.current.DrainNext()
		if err != nil {
			return nil, d.fail(fmt.Errorf("draining %s: %w", d.current.Xid(), err))
		}
		if !ok {
			d.finishCurrent()
			continue
		}

		rec, err := d.record(stmt, d.current.CommitPosition())
		if err != nil {
			return nil, d.fail(err)
		}
		records = append(records, rec)
		d.lastEmitted = stmt.Position
		telemetry.RecordsDeliveredTotal.With(stmt.Op.String()).Inc()
	}

	return records, nil
}

func (d *Driver) draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

func (d *Driver) finishCurrent() {
	log.Debug().Str("xid", d.current.Xid()).Msg("Transaction delivered")
	if err := d.current.Close(); err != nil {
		log.Warn().Err(err).Str("xid", d.current.Xid()).Msg("Failed to release transaction storage")
	}
	d.current = nil
}

func (d *Driver) record(stmt redo.Statement, commit redo.Position) (Record, error) {
	meta, ok := d.config.Scope.Metadata(stmt.Table)
	if !ok {
		return Record{}, fmt.Errorf("%w: statement %s of %s references table %s without metadata",
			ErrConsistency, stmt.Position, stmt.Xid, stmt.Table)
	}

	rec := Record{
		Table:          meta,
		Op:             stmt.Op,
		Xid:            stmt.Xid,
		Position:       stmt.Position,
		CommitPosition: commit,
		Timestamp:      stmt.Timestamp,
		SQL:            stmt.Payload.Redo,
	}

	change, err := d.config.Decoder.Decode(meta, stmt)
	if err != nil {
		return Record{}, fmt.Errorf("statement %s of %s on %s: %w",
			stmt.Position, stmt.Xid, meta.FullName(), err)
	}

	rec.Before = change.Before
	rec.After = change.After
	rec.DDL = change.DDL
	rec.Key = primaryKey(meta, rec.Values())
	return rec, nil
}

func (d *Driver) fail(err error) error {
	d.failure = err
	log.Error().Err(err).Msg("Delivery failed")
	return err
}

// Err returns the fatal error that stopped delivery, if any
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failure
}

// LastEmitted returns the position of the last delivered statement
func (d *Driver) LastEmitted() redo.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEmitted
}

// InFlight returns the xid of the transaction being drained, if any
func (d *Driver) InFlight() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return "", false
	}
	return d.current.Xid(), true
}

// Checkpoint captures the resumable state. With includeDelivery false the
// in-flight and ready transactions are left out. Identity and run fields are
// left for the caller.
func (d *Driver) Checkpoint(includeDelivery bool) (*checkpoint.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	asm, err := d.config.Assembler.Snapshot(includeDelivery)
	if err != nil {
		return nil, fmt.Errorf("assembler snapshot: %w", err)
	}

	snap := &checkpoint.Snapshot{
		Position:    asm.Watermark,
		LastEmitted: d.lastEmitted,
		Complete:    includeDelivery,
		Open:        asm.Open,
		Ready:       asm.Ready,
	}
	if includeDelivery && d.current != nil {
		inFlight, err := d.current.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("in-flight snapshot: %w", err)
		}
		snap.InFlight = &inFlight
	}
	snap.SetScope(d.config.Scope.InScopeIDs(), d.config.Scope.OutOfScopeIDs())
	return snap, nil
}

// Close releases the transaction being drained
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		d.current.Close()
		d.current = nil
	}
}
