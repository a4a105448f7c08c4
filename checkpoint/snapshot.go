// Package checkpoint persists the resumable state of the pipeline: the resume
// position, transactions not yet delivered and the table scope decisions.
package checkpoint

import (
	"time"

	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/txbuf"
)

// Snapshot is everything needed to resume mining and delivery after a restart
type Snapshot struct {
	Identity redo.DatabaseIdentity `msgpack:"identity" json:"identity" yaml:"identity"`
	NodeID   uint64                `msgpack:"node_id" json:"node_id" yaml:"node_id"`
	RunID    string                `msgpack:"run_id" json:"run_id" yaml:"run_id"`
	SavedAt  time.Time             `msgpack:"saved_at" json:"saved_at" yaml:"saved_at"`

	// Position is the mined watermark: mining resumes strictly after it
	Position redo.Position `msgpack:"position" json:"position" yaml:"position"`
	// LastEmitted is the position of the last statement handed to the consumer
	LastEmitted redo.Position `msgpack:"last_emitted" json:"last_emitted" yaml:"last_emitted"`

	// Complete is false for diagnostic dumps, which leave out InFlight and Ready
	Complete bool             `msgpack:"complete" json:"complete" yaml:"complete"`
	InFlight *txbuf.Snapshot  `msgpack:"in_flight,omitempty" json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
	Ready    []txbuf.Snapshot `msgpack:"ready" json:"ready" yaml:"ready"`
	Open     []txbuf.Snapshot `msgpack:"open" json:"open" yaml:"open"`

	InScope    []uint64 `msgpack:"in_scope" json:"in_scope" yaml:"in_scope"`
	OutOfScope []uint64 `msgpack:"out_of_scope" json:"out_of_scope" yaml:"out_of_scope"`
}

// InScopeTables unpacks the in-scope table ids
func (s *Snapshot) InScopeTables() []redo.TableID {
	return unpackAll(s.InScope)
}

// OutOfScopeTables unpacks the out-of-scope table ids
func (s *Snapshot) OutOfScopeTables() []redo.TableID {
	return unpackAll(s.OutOfScope)
}

// SetScope packs both scope sets
func (s *Snapshot) SetScope(inScope, outOfScope []redo.TableID) {
	s.InScope = packAll(inScope)
	s.OutOfScope = packAll(outOfScope)
}

// PendingStatements counts statements held by in-flight, ready and open transactions
func (s *Snapshot) PendingStatements() int {
	n := 0
	if s.InFlight != nil {
		n += len(s.InFlight.Statements)
	}
	for _, t := range s.Ready {
		n += len(t.Statements)
	}
	for _, t := range s.Open {
		n += len(t.Statements)
	}
	return n
}

// withoutDelivery returns a copy without the in-flight and ready transactions
func (s *Snapshot) withoutDelivery() *Snapshot {
	c := *s
	c.InFlight = nil
	c.Ready = nil
	c.Complete = false
	return &c
}

func packAll(ids []redo.TableID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = id.Packed()
	}
	return out
}

func unpackAll(packed []uint64) []redo.TableID {
	out := make([]redo.TableID, len(packed))
	for i, p := range packed {
		out[i] = redo.UnpackTableID(p)
	}
	return out
}
