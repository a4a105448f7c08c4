package transformer

import (
	"fmt"

	"github.com/maxpert/redoflow/delivery"
	"github.com/maxpert/redoflow/publisher"
	"github.com/maxpert/redoflow/redo"
)

// Metadata fields added next to the row values
const (
	FieldOp       = "__op"
	FieldTable    = "__table"
	FieldXid      = "__xid"
	FieldPosition = "__position"
	FieldTsMs     = "__ts_ms"
	FieldDeleted  = "__deleted"
	FieldDDL      = "__ddl"
	FieldSQL      = "__sql"
)

func init() {
	publisher.RegisterTransformer("kafka-std", func() publisher.Transformer {
		return KafkaStdTransformer{}
	})
}

// KafkaStdTransformer writes a flat JSON object: the row image of the change
// (after image, before image for deletes) plus "__"-prefixed metadata fields.
// A row column that collides with a metadata field is overwritten.
type KafkaStdTransformer struct{}

// Transform converts a record to a flat JSON row
func (KafkaStdTransformer) Transform(rec *delivery.Record) ([]byte, error) {
	if rec.Table == nil {
		return nil, fmt.Errorf("record at %s has no table metadata", rec.Position)
	}

	values := rec.Values()
	row := make(map[string]any, len(values)+6)
	for k, v := range values {
		row[k] = v
	}

	row[FieldOp] = debeziumOp(rec.Op)
	row[FieldTable] = rec.Table.FullName()
	row[FieldXid] = rec.Xid
	row[FieldPosition] = rec.Position.String()
	row[FieldTsMs] = rec.Timestamp
	row[FieldDeleted] = rec.Op == redo.OpDelete
	if rec.DDL != "" {
		row[FieldDDL] = rec.DDL
	}
	if values == nil && rec.DDL == "" {
		row[FieldSQL] = rec.SQL
	}

	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone returns nil, the Kafka tombstone value
func (KafkaStdTransformer) Tombstone(key string) []byte {
	return nil
}
