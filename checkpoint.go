package main

import (
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/maxpert/redoflow/checkpoint"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CheckpointSummary is the short view of a checkpoint printed by "checkpoint show"
type CheckpointSummary struct {
	Path        string    `json:"path" yaml:"path"`
	Database    string    `json:"database" yaml:"database"`
	DBID        uint64    `json:"dbid" yaml:"dbid"`
	NodeID      uint64    `json:"node_id" yaml:"node_id"`
	RunID       string    `json:"run_id" yaml:"run_id"`
	SavedAt     time.Time `json:"saved_at" yaml:"saved_at"`
	Position    string    `json:"position" yaml:"position"`
	LastEmitted string    `json:"last_emitted" yaml:"last_emitted"`
	Complete    bool      `json:"complete" yaml:"complete"`
	InFlight    string    `json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
	Ready       int       `json:"ready" yaml:"ready"`
	Open        int       `json:"open" yaml:"open"`
	Pending     int       `json:"pending_statements" yaml:"pending_statements"`
	InScope     int       `json:"in_scope_tables" yaml:"in_scope_tables"`
	OutOfScope  int       `json:"out_of_scope_tables" yaml:"out_of_scope_tables"`
}

func newCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect checkpoint files",
	}
	cmd.AddCommand(newCheckpointShowCommand())
	return cmd
}

func newCheckpointShowCommand() *cobra.Command {
	var format string
	var full bool

	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Print a checkpoint or a diagnostic dump",
		Long: `Decode a checkpoint file and print it. Without --full only a summary is
printed: identity, positions and the number of pending transactions.

Examples:
  redoflow checkpoint show data/redoflow.state
  redoflow checkpoint show data/redoflow.state --format json --full`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := checkpoint.LoadFile(args[0])
			if err != nil {
				return err
			}

			var view any = summarize(args[0], snap)
			if full {
				view = snap
			}
			return printView(cmd.OutOrStdout(), format, view)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml or json")
	cmd.Flags().BoolVar(&full, "full", false, "print every transaction and statement")
	return cmd
}

func summarize(path string, snap *checkpoint.Snapshot) CheckpointSummary {
	s := CheckpointSummary{
		Path:        path,
		Database:    snap.Identity.Name,
		DBID:        snap.Identity.DBID,
		NodeID:      snap.NodeID,
		RunID:       snap.RunID,
		SavedAt:     snap.SavedAt,
		Position:    snap.Position.String(),
		LastEmitted: snap.LastEmitted.String(),
		Complete:    snap.Complete,
		Ready:       len(snap.Ready),
		Open:        len(snap.Open),
		Pending:     snap.PendingStatements(),
		InScope:     len(snap.InScope),
		OutOfScope:  len(snap.OutOfScope),
	}
	if snap.InFlight != nil {
		s.InFlight = snap.InFlight.Xid
	}
	return s
}

func printView(w io.Writer, format string, view any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	default:
		return fmt.Errorf("unknown format %q, expected yaml or json", format)
	}
}
