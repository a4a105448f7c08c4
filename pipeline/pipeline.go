// Package pipeline wires the mining, assembly, delivery and checkpoint stages
// into one explicitly owned object with a start and stop lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/redoflow/checkpoint"
	"github.com/maxpert/redoflow/decoder"
	"github.com/maxpert/redoflow/delivery"
	"github.com/maxpert/redoflow/dictionary"
	"github.com/maxpert/redoflow/mining"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/scope"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/maxpert/redoflow/txbuf"
	"github.com/rs/zerolog/log"
)

// ErrNotRunning is returned by operations that need a started pipeline
var ErrNotRunning = errors.New("pipeline is not running")

// collectorInterval is how often pipeline gauges are sampled
const collectorInterval = 5 * time.Second

// Options configures a Pipeline
type Options struct {
	Source   mining.Source
	Resolver dictionary.Resolver
	Decoder  decoder.Decoder // defaults to RedoSQL
	Filter   scope.Filter
	Store    *checkpoint.Store

	Schema     redo.SchemaKind
	TopicParam string

	SpillDir      string // empty keeps every transaction in memory
	Compress      bool
	BufferLimits  txbuf.Limits
	SessionLimits mining.SessionLimits
	PollInterval  time.Duration
	PollTimeout   time.Duration

	// StartPosition ignores any stored checkpoint; mining starts strictly after it
	StartPosition *redo.Position

	NodeID uint64
	RunID  string
}

// Pipeline is one running capture of one source database
type Pipeline struct {
	opts Options

	identity  redo.DatabaseIdentity
	scope     *scope.Cache
	queue     *mining.ReadyQueue
	spill     *txbuf.SpillStore
	assembler *mining.Assembler
	driver    *delivery.Driver
	collector *telemetry.MetricsCollector
	done      *future.Future[struct{}]

	startedAt   time.Time
	resumedFrom redo.Position

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopped     bool
}

// New validates options and creates an idle pipeline
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("dictionary resolver is required")
	}
	if opts.Filter == nil {
		return nil, fmt.Errorf("scope filter is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.Decoder == nil {
		dec, err := decoder.NewRedoSQL()
		if err != nil {
			return nil, err
		}
		opts.Decoder = dec
	}
	return &Pipeline{opts: opts}, nil
}

// Start resolves where to resume, restores checkpointed state and launches
// the mining loop. Resume order: explicit start position, then the stored
// checkpoint, then the beginning of the available log. ctx bounds the
// startup queries only; mining runs until Stop or Abort.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() || p.stopped {
		return fmt.Errorf("pipeline already started")
	}

	identity, err := p.opts.Source.Identity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", mining.ErrSourceFailed, err)
	}
	p.identity = identity

	if err := p.build(); err != nil {
		p.release()
		return err
	}

	from, resume, err := p.resume(ctx)
	if err != nil {
		p.release()
		return err
	}

	done, err := p.assembler.Start(ctx, from, resume)
	if err != nil {
		p.release()
		return err
	}
	p.done = done
	p.resumedFrom = from
	p.startedAt = time.Now()

	p.collector = telemetry.NewMetricsCollector(collectorInterval,
		telemetry.Probe{Gauge: telemetry.OpenTransactions, Read: func() float64 {
			return float64(p.assembler.OpenTransactions())
		}},
		telemetry.Probe{Gauge: telemetry.ReadyQueueDepth, Read: func() float64 {
			return float64(p.assembler.ReadyTransactions())
		}},
		telemetry.Probe{Gauge: telemetry.DeliveryLagLSN, Read: p.deliveryLag},
	)
	p.collector.Start()
	p.running.Store(true)

	log.Info().
		Uint64("dbid", identity.DBID).
		Str("database", identity.Name).
		Str("run_id", p.opts.RunID).
		Str("position", from.String()).
		Msg("Pipeline started")
	return nil
}

func (p *Pipeline) build() error {
	var err error
	if p.opts.SpillDir != "" {
		p.spill, err = txbuf.OpenSpillStore(p.opts.SpillDir, p.opts.Compress)
		if err != nil {
			return err
		}
	}

	p.scope, err = scope.NewCache(scope.Config{
		Filter:     p.opts.Filter,
		Resolver:   p.opts.Resolver,
		Schema:     p.opts.Schema,
		TopicParam: p.opts.TopicParam,
	})
	if err != nil {
		return err
	}

	p.queue = mining.NewReadyQueue()
	p.assembler, err = mining.NewAssembler(mining.AssemblerConfig{
		Source:       p.opts.Source,
		Scope:        p.scope,
		Queue:        p.queue,
		Buffers:      p.bufferOptions(),
		Limits:       p.opts.SessionLimits,
		PollInterval: p.opts.PollInterval,
	})
	if err != nil {
		return err
	}

	p.driver, err = delivery.NewDriver(delivery.Config{
		Queue:       p.queue,
		Scope:       p.scope,
		Decoder:     p.opts.Decoder,
		Assembler:   p.assembler,
		PollTimeout: p.opts.PollTimeout,
	})
	return err
}

func (p *Pipeline) bufferOptions() txbuf.Options {
	return txbuf.Options{Limits: p.opts.BufferLimits, Spill: p.spill}
}

func (p *Pipeline) resume(ctx context.Context) (redo.Position, mining.ResumeState, error) {
	store := p.opts.Store

	if p.opts.StartPosition != nil {
		if _, err := store.RotateOnStart(); err != nil {
			return redo.Position{}, mining.ResumeState{}, err
		}
		log.Warn().
			Str("position", p.opts.StartPosition.String()).
			Str("path", store.Path()).
			Msg("Start position override, ignoring stored checkpoint")
		return *p.opts.StartPosition, mining.ResumeState{}, nil
	}

	snap, err := store.Load(p.identity)
	if errors.Is(err, os.ErrNotExist) {
		earliest, err := p.opts.Source.EarliestPosition(ctx)
		if err != nil {
			return redo.Position{}, mining.ResumeState{}, fmt.Errorf("%w: %v", mining.ErrSourceFailed, err)
		}
		log.Info().
			Str("path", store.Path()).
			Str("earliest", earliest.String()).
			Msg("No checkpoint found, starting from the earliest available redo")
		return earliest.Prev(), mining.ResumeState{}, nil
	}
	if err != nil {
		return redo.Position{}, mining.ResumeState{}, err
	}
	if !snap.Complete {
		return redo.Position{}, mining.ResumeState{}, fmt.Errorf("%w: %s is a diagnostic dump", checkpoint.ErrCorrupt, store.Path())
	}

	if _, err := store.RotateOnStart(); err != nil {
		return redo.Position{}, mining.ResumeState{}, err
	}

	if err := p.scope.Seed(ctx, snap.InScopeTables(), snap.OutOfScopeTables()); err != nil {
		return redo.Position{}, mining.ResumeState{}, err
	}
	if err := p.driver.Restore(snap.InFlight, snap.LastEmitted, p.bufferOptions()); err != nil {
		return redo.Position{}, mining.ResumeState{}, err
	}

	p.warnIfPurged(ctx, snap.Position)

	log.Info().
		Str("position", snap.Position.String()).
		Str("last_emitted", snap.LastEmitted.String()).
		Str("previous_run", snap.RunID).
		Int("open", len(snap.Open)).
		Int("ready", len(snap.Ready)).
		Bool("in_flight", snap.InFlight != nil).
		Int("tables_in_scope", len(snap.InScope)).
		Msg("Resuming from checkpoint")

	return snap.Position, mining.ResumeState{Open: snap.Open, Ready: snap.Ready}, nil
}

// warnIfPurged reports a resume position older than the oldest redo still available
func (p *Pipeline) warnIfPurged(ctx context.Context, from redo.Position) {
	earliest, err := p.opts.Source.EarliestPosition(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read earliest available position")
		return
	}
	if !earliest.IsZero() && from.LSN+1 < earliest.LSN {
		log.Warn().
			Str("position", from.String()).
			Str("earliest", earliest.String()).
			Msg("Checkpoint is older than the earliest available redo, changes in between are lost")
	}
}

// deliveryLag is how far, in LSN, delivery trails mining
func (p *Pipeline) deliveryLag() float64 {
	mined := p.assembler.Watermark().LSN
	emitted := p.driver.LastEmitted().LSN
	if emitted >= mined {
		return 0
	}
	return float64(mined - emitted)
}

// PollBatch returns up to maxRecords records in commit order. It fails once
// either side of the pipeline failed fatally.
func (p *Pipeline) PollBatch(ctx context.Context, maxRecords int) ([]delivery.Record, error) {
	if !p.running.Load() {
		return nil, ErrNotRunning
	}
	if err := p.assembler.Err(); err != nil {
		return nil, err
	}
	return p.driver.PollBatch(ctx, maxRecords)
}

// Checkpoint takes a full snapshot and replaces the stored checkpoint
func (p *Pipeline) Checkpoint() (string, error) {
	return p.save(true)
}

// Dump writes a diagnostic snapshot next to the checkpoint without
// replacing it
func (p *Pipeline) Dump() (string, error) {
	return p.save(false)
}

func (p *Pipeline) save(final bool) (string, error) {
	if !p.running.Load() {
		return "", ErrNotRunning
	}
	if err := p.Err(); err != nil && final {
		return "", fmt.Errorf("refusing to checkpoint a failed pipeline: %w", err)
	}

	snap, err := p.driver.Checkpoint(final)
	if err != nil {
		return "", err
	}
	snap.Identity = p.identity
	snap.NodeID = p.opts.NodeID
	snap.RunID = p.opts.RunID
	return p.opts.Store.Save(snap, final)
}

// Err returns the first fatal error of the mining or delivery side
func (p *Pipeline) Err() error {
	if p.assembler != nil {
		if err := p.assembler.Err(); err != nil {
			return err
		}
	}
	if p.driver != nil {
		return p.driver.Err()
	}
	return nil
}

// Done resolves when the mining loop exits
func (p *Pipeline) Done() *future.Future[struct{}] {
	return p.done
}

// Stop ends the mining loop after its current source call, takes the final
// checkpoint unless the pipeline failed fatally, and releases every resource.
// Callers stop polling before calling Stop.
func (p *Pipeline) Stop() error {
	return p.shutdown(true)
}

// Abort releases the pipeline like Stop but keeps the last stored
// checkpoint. Consumers that lost polled records use it so the records are
// mined again on restart.
func (p *Pipeline) Abort() {
	p.shutdown(false)
}

func (p *Pipeline) shutdown(final bool) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return nil
	}

	log.Info().Bool("final_checkpoint", final).Msg("Stopping pipeline")
	p.assembler.Stop()

	var saveErr error
	if err := p.Err(); err != nil {
		log.Error().Err(err).Str("path", p.opts.Store.Path()).Msg("Pipeline failed, keeping last good checkpoint")
	} else if !final {
		log.Warn().Str("path", p.opts.Store.Path()).Msg("Pipeline aborted, keeping last good checkpoint")
	} else if _, saveErr = p.save(true); saveErr != nil {
		saveErr = fmt.Errorf("final checkpoint: %w", saveErr)
	}

	p.running.Store(false)
	p.stopped = true
	p.collector.Stop()
	p.release()

	log.Info().Msg("Pipeline stopped")
	return saveErr
}

func (p *Pipeline) release() {
	if p.driver != nil {
		p.driver.Close()
	}
	if p.assembler != nil {
		p.assembler.Close()
	}
	if p.queue != nil {
		p.queue.Close()
	}
	if p.spill != nil {
		if err := p.spill.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close spill store")
		}
	}
	if err := p.opts.Source.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close source")
	}
}
