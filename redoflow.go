package main

import (
	"fmt"
	"io"
	"os"

	"github.com/maxpert/redoflow/cfg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// Sinks and formats register themselves with the publisher
	_ "github.com/maxpert/redoflow/publisher/sink"
	_ "github.com/maxpert/redoflow/publisher/transformer"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redoflow",
		Short: "Redo log change data capture",
		Long: `redoflow mines committed changes from a database redo log, delivers them
in commit order and publishes them to Kafka, NATS, AMQP or stdout.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCheckpointCommand())
	return cmd
}

// setupLogging installs the global logger described by the logging section
func setupLogging(config cfg.LoggingConfiguration, nodeID uint64, runID string) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if config.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", nodeID).
		Str("run_id", runID).
		Logger()

	if config.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
