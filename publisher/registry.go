package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/redoflow/cfg"
	"github.com/maxpert/redoflow/scope"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	Source             Source                  // Pipeline to poll and checkpoint
	SinkConfigs        []cfg.SinkConfiguration // From config
	BatchSize          int
	CheckpointInterval time.Duration
}

// Registry owns the configured sinks and the worker publishing to them
type Registry struct {
	worker *Worker
	routes []Route
	mu     sync.Mutex
	closed bool
}

// NewRegistry creates the sinks of every configuration and a worker over them
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}

	registry := &Registry{
		routes: make([]Route, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		route, err := newRoute(sinkCfg)
		if err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
		registry.routes = append(registry.routes, route)

		log.Info().
			Str("sink", sinkCfg.Name).
			Str("type", sinkCfg.Type).
			Str("format", sinkCfg.Format).
			Msg("Added publisher sink")
	}

	worker, err := NewWorker(WorkerConfig{
		Source:             config.Source,
		Routes:             registry.routes,
		BatchSize:          config.BatchSize,
		CheckpointInterval: config.CheckpointInterval,
	})
	if err != nil {
		registry.closeSinks()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	registry.worker = worker

	log.Info().Int("sinks", len(registry.routes)).Msg("Publisher registry initialized")
	return registry, nil
}

// newRoute creates the sink, transformer and filter of one configuration
func newRoute(config cfg.SinkConfiguration) (Route, error) {
	snk, err := createSink(config)
	if err != nil {
		return Route{}, fmt.Errorf("failed to create sink: %w", err)
	}

	// Transformers are stateless apart from caches, no cleanup needed
	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return Route{}, fmt.Errorf("failed to create transformer: %w", err)
	}

	route := Route{
		Name:        config.Name,
		Sink:        snk,
		Transformer: trans,
		TopicPrefix: config.TopicPrefix,
		Retry: RetryPolicy{
			Initial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
			Max:        time.Duration(config.RetryMaxMS) * time.Millisecond,
			Multiplier: config.RetryMultiplier,
		},
	}

	if len(config.FilterTables) > 0 {
		filter, err := scope.NewGlobFilter(config.FilterTables, nil)
		if err != nil {
			snk.Close()
			return Route{}, fmt.Errorf("failed to create filter: %w", err)
		}
		route.Filter = filter
	}

	return route, nil
}

// Start starts the worker. The future resolves when publishing stops.
func (r *Registry) Start() *future.Future[struct{}] {
	return r.worker.Start()
}

// Stop stops the worker and closes every sink. It returns the worker's
// result, see Worker.Stop.
func (r *Registry) Stop() error {
	err := r.worker.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return err
	}
	r.closed = true
	r.closeSinks()

	log.Info().Msg("Publisher registry stopped")
	return err
}

// Published returns the number of records published so far
func (r *Registry) Published() uint64 {
	return r.worker.Published()
}

func (r *Registry) closeSinks() {
	for _, route := range r.routes {
		if err := route.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", route.Name).Msg("Failed to close sink")
		}
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
