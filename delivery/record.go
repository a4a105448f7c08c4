package delivery

import (
	"github.com/maxpert/redoflow/redo"
)

// Record is one emitted change: a statement decoded against its table metadata
type Record struct {
	Table          *redo.TableMetadata
	Op             redo.OpKind
	Xid            string
	Position       redo.Position
	CommitPosition redo.Position
	Timestamp      int64 // unix millis of the change

	Before map[string]any // nil for inserts
	After  map[string]any // nil for deletes
	Key    map[string]any // primary key values, nil when the table has none
	DDL    string

	// SQL is the raw redo SQL, kept for consumers when decoding failed
	SQL string
}

// Topic returns the output topic of the record's table
func (r *Record) Topic() string {
	return r.Table.Topic
}

// Values returns the row image that identifies the change: the after image,
// or the before image for deletes
func (r *Record) Values() map[string]any {
	if r.After != nil {
		return r.After
	}
	return r.Before
}

func primaryKey(meta *redo.TableMetadata, values map[string]any) map[string]any {
	if len(meta.PrimaryKey) == 0 || values == nil {
		return nil
	}
	key := make(map[string]any, len(meta.PrimaryKey))
	for _, col := range meta.PrimaryKey {
		key[col] = values[col]
	}
	return key
}
