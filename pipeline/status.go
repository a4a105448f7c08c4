package pipeline

import (
	"time"

	"github.com/maxpert/redoflow/redo"
)

// Status is a point-in-time view for operators
type Status struct {
	Running     bool                  `json:"running"`
	RunID       string                `json:"run_id"`
	NodeID      uint64                `json:"node_id"`
	Database    redo.DatabaseIdentity `json:"database"`
	StartedAt   time.Time             `json:"started_at"`
	ResumedFrom string                `json:"resumed_from"`
	Watermark   string                `json:"watermark"`
	LastEmitted string                `json:"last_emitted"`
	InFlight    string                `json:"in_flight,omitempty"`

	OpenTransactions  int      `json:"open_transactions"`
	ReadyTransactions int      `json:"ready_transactions"`
	TablesInScope     []string `json:"tables_in_scope"`
	TablesOutOfScope  int      `json:"tables_out_of_scope"`

	Checkpoint string `json:"checkpoint"`
	Error      string `json:"error,omitempty"`
}

// Status reports the current pipeline state
func (p *Pipeline) Status() Status {
	s := Status{
		Running:    p.running.Load(),
		RunID:      p.opts.RunID,
		NodeID:     p.opts.NodeID,
		Checkpoint: p.opts.Store.Path(),
	}
	if !s.Running {
		if err := p.Err(); err != nil {
			s.Error = err.Error()
		}
		return s
	}

	s.Database = p.identity
	s.StartedAt = p.startedAt
	s.ResumedFrom = p.resumedFrom.String()
	s.Watermark = p.assembler.Watermark().String()
	s.LastEmitted = p.driver.LastEmitted().String()
	if xid, ok := p.driver.InFlight(); ok {
		s.InFlight = xid
	}
	s.OpenTransactions = p.assembler.OpenTransactions()
	s.ReadyTransactions = p.assembler.ReadyTransactions()
	s.TablesInScope = p.scope.Tables()
	s.TablesOutOfScope = len(p.scope.OutOfScopeIDs())
	if err := p.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}
