package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/redoflow/admin"
	"github.com/maxpert/redoflow/cfg"
	"github.com/maxpert/redoflow/pipeline"
	"github.com/maxpert/redoflow/publisher"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command
type RunOptions struct {
	ConfigPath    string
	DataDir       string
	StartPosition string
	AdminPort     int
}

func newRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture and publish changes until interrupted",
		Long: `Start mining from the stored checkpoint, or from --start-position, and
publish every committed change to the configured sinks.

Examples:
  redoflow run --config redoflow.toml
  redoflow run --config redoflow.toml --start-position 1234567:0:0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "redoflow.toml", "path to the TOML configuration")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "override data_dir")
	cmd.Flags().StringVar(&opts.StartPosition, "start-position", "", "mine strictly after lsn[:record:sub], ignoring the stored checkpoint")
	cmd.Flags().IntVar(&opts.AdminPort, "admin-port", 0, "override admin.port")

	return cmd
}

func runPipeline(parent context.Context, opts *RunOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	err := cfg.Load(opts.ConfigPath, cfg.Overrides{
		DataDir:       opts.DataDir,
		StartPosition: opts.StartPosition,
		AdminPort:     opts.AdminPort,
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	runID := uuid.NewString()
	setupLogging(cfg.Config.Logging, cfg.Config.NodeID, runID)

	log.Info().Str("source", cfg.Config.Source.Name).Msg("redoflow starting")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.FromConfig(cfg.Config, runID)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		adminServer, err = admin.NewServer(cfg.Config.Admin, admin.NewAdminHandlers(p, telemetry.GetMetricsHandler()))
		if err != nil {
			p.Stop()
			return err
		}
		adminServer.Start()
		defer adminServer.Stop()
	}

	if len(cfg.Config.Sinks) == 0 {
		log.Warn().Msg("No sinks configured, delivered records are only checkpointed")
	}
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		Source:             p,
		SinkConfigs:        cfg.Config.Sinks,
		BatchSize:          cfg.Config.Delivery.BatchSize,
		CheckpointInterval: cfg.Config.Checkpoint.Interval(),
	})
	if err != nil {
		p.Stop()
		return err
	}

	publishing := await(registry.Start())
	mining := await(p.Done())

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Str("checkpoint", cfg.Config.Checkpoint.Path).
		Msg("redoflow is operational")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown requested")
		return shutdown(registry, p)

	case err := <-publishing:
		// Records polled but not published must be mined again
		registry.Stop()
		p.Abort()
		if err == nil {
			err = errors.New("publisher stopped unexpectedly")
		}
		return fmt.Errorf("publisher: %w", err)

	case err := <-mining:
		stopErr := shutdown(registry, p)
		if err == nil && ctx.Err() != nil {
			// the signal ended mining before the select saw it
			return stopErr
		}
		if stopErr != nil {
			log.Warn().Err(stopErr).Msg("Pipeline stop")
		}
		if err == nil {
			err = errors.New("mining stopped unexpectedly")
		}
		return fmt.Errorf("mining: %w", err)
	}
}

// shutdown stops publishing, then mining. The final checkpoint is skipped
// when the worker abandoned a batch half published.
func shutdown(registry *publisher.Registry, p *pipeline.Pipeline) error {
	if err := registry.Stop(); err != nil {
		log.Warn().Err(err).Msg("Publisher interrupted mid-batch")
		p.Abort()
		return nil
	}
	return p.Stop()
}

// await turns a future into a channel usable in select
func await(f *future.Future[struct{}]) <-chan error {
	ch := make(chan error, 1)
	go func() {
		_, err := f.Get()
		ch <- err
	}()
	return ch
}
