package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/redoflow/delivery"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading records per poll cycle
	DefaultBatchSize = 100
	// Default backoff after a failed checkpoint or an empty poll
	DefaultPollInterval = 100 * time.Millisecond
	// Default interval between full checkpoints
	DefaultCheckpointInterval = 10 * time.Second
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// ErrStopped reports a publish retry interrupted by Stop
var ErrStopped = errors.New("worker stopped")

// RetryPolicy controls exponential backoff of one route
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int // 0 = DefaultMaxRetries
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultRetryInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryMax
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultRetryMultiplier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Route is one sink with its own format, table filter and topic prefix
type Route struct {
	Name        string
	Sink        Sink
	Transformer Transformer
	Filter      Filter // nil publishes every table
	TopicPrefix string
	Retry       RetryPolicy
}

// WorkerConfig configures the publisher worker
type WorkerConfig struct {
	Source             Source
	Routes             []Route
	BatchSize          int
	PollInterval       time.Duration
	CheckpointInterval time.Duration
}

// Worker polls the pipeline and fans every record out to all routes. The
// checkpoint only advances between fully published batches.
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	done        *future.Future[struct{}]
	exitErr     error // loop result, readable once doneCh is closed
	published   atomic.Uint64
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	for i, r := range config.Routes {
		if r.Name == "" {
			return nil, fmt.Errorf("route %d: name is required", i)
		}
		if r.Sink == nil {
			return nil, fmt.Errorf("route %q: sink is required", r.Name)
		}
		if r.Transformer == nil {
			return nil, fmt.Errorf("route %q: transformer is required", r.Name)
		}
		config.Routes[i].Retry = r.Retry.withDefaults()
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = DefaultCheckpointInterval
	}

	return &Worker{config: config}, nil
}

// Start starts the worker goroutine. The returned future resolves when the
// loop exits: nil after a Stop between batches, ErrStopped after a Stop in the
// middle of one, the fatal error otherwise.
func (w *Worker) Start() *future.Future[struct{}] {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return w.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	promise := future.NewPromise[struct{}]()

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.cancel = cancel
	w.done = promise.Future()

	log.Info().
		Int("routes", len(w.config.Routes)).
		Int("batch_size", w.config.BatchSize).
		Dur("checkpoint_interval", w.config.CheckpointInterval).
		Msg("Starting publisher worker")

	go func() {
		err := w.pollLoop(ctx)
		if err != nil && !errors.Is(err, ErrStopped) {
			log.Error().Err(err).Msg("Publisher worker failed")
		}
		w.exitErr = err
		close(w.doneCh)
		promise.Set(struct{}{}, err)
	}()

	return w.done
}

// Stop stops the worker and returns how its loop ended. ErrStopped means a
// batch was abandoned half published: the caller must not checkpoint past it,
// its records are replayed from the last checkpoint instead.
func (w *Worker) Stop() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return nil
	}

	log.Info().Msg("Stopping publisher worker")

	close(w.stopCh)
	w.cancel()
	<-w.doneCh
	w.running.Store(false)

	log.Info().Uint64("published", w.published.Load()).Msg("Publisher worker stopped")
	return w.exitErr
}

// Published returns the number of records published to every matching route
func (w *Worker) Published() uint64 {
	return w.published.Load()
}

func (w *Worker) pollLoop(ctx context.Context) error {
	lastCheckpoint := time.Now()
	dirty := false

	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}

		records, err := w.config.Source.PollBatch(ctx, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll: %w", err)
		}

		for i := range records {
			if err := w.publishRecord(&records[i]); err != nil {
				return err
			}
			w.published.Add(1)
		}
		if len(records) > 0 {
			dirty = true
		}

		if dirty && time.Since(lastCheckpoint) >= w.config.CheckpointInterval {
			path, err := w.config.Source.Checkpoint()
			if err != nil {
				log.Warn().Err(err).Msg("Periodic checkpoint failed, retrying next interval")
				w.sleep(w.config.PollInterval)
				continue
			}
			log.Debug().Str("path", path).Msg("Checkpoint saved")
			lastCheckpoint = time.Now()
			dirty = false
		}
	}
}

// publishRecord publishes one record to every route whose filter matches it
func (w *Worker) publishRecord(rec *delivery.Record) error {
	key := recordKey(rec)

	for i := range w.config.Routes {
		route := &w.config.Routes[i]
		if route.Filter != nil && !route.Filter.Match(rec.Table.Owner, rec.Table.Name) {
			continue
		}

		data, err := route.Transformer.Transform(rec)
		if err != nil {
			return fmt.Errorf("route %s: transform %s at %s: %w", route.Name, rec.Table.QualifiedName(), rec.Position, err)
		}

		topic := buildTopic(route.TopicPrefix, rec.Topic())
		if err := w.publishWithRetry(route, topic, key, data); err != nil {
			telemetry.PublishedTotal.With(route.Name, "failed").Inc()
			return err
		}
		telemetry.PublishedTotal.With(route.Name, "ok").Inc()

		// Deletes are followed by a tombstone under the same key
		if rec.Op == redo.OpDelete {
			tombstone := route.Transformer.Tombstone(key)
			if err := w.publishWithRetry(route, topic, key, tombstone); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildTopic prefixes a record topic with the route's prefix
func buildTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(route *Route, topic, key string, data []byte) error {
	policy := route.Retry
	delay := policy.Initial
	attempts := 0

	for {
		err := route.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= policy.MaxRetries {
			return fmt.Errorf("route %s: exhausted max retries (%d) for topic %s: %w", route.Name, policy.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("route", route.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish record, retrying")

		if !w.sleep(delay) {
			return ErrStopped
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.Max {
			delay = policy.Max
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
