package transformer

import (
	"testing"

	"github.com/maxpert/redoflow/delivery"
	"github.com/maxpert/redoflow/redo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var empTable = &redo.TableMetadata{
	ID:         redo.TableID{Container: 3, Object: 73181},
	Container:  "PDB1",
	Owner:      "SCOTT",
	Name:       "EMP",
	PrimaryKey: []string{"EMPNO"},
	Columns: []redo.Column{
		{Name: "EMPNO", Type: "NUMBER(4)", Nullable: false, IsPK: true},
		{Name: "ENAME", Type: "VARCHAR2(10)", Nullable: true},
		{Name: "SAL", Type: "NUMBER(7,2)", Nullable: true},
	},
	Topic:  "cdc",
	Schema: redo.SchemaDebezium,
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

func TestDebeziumTransformer_Transform_Insert(t *testing.T) {
	transformer := NewDebeziumTransformer()

	rec := &delivery.Record{
		Table:          empTable,
		Op:             redo.OpInsert,
		Xid:            "0a.1f.2b",
		Position:       redo.Position{LSN: 100, RecordID: 2},
		CommitPosition: redo.Position{LSN: 104},
		Timestamp:      1702345678901,
		After:          map[string]any{"EMPNO": int64(7369), "ENAME": "SMITH", "SAL": 800.5},
		Key:            map[string]any{"EMPNO": int64(7369)},
	}

	data, err := transformer.Transform(rec)
	require.NoError(t, err)
	result := decode(t, data)

	schemaMap := result["schema"].(map[string]any)
	assert.Equal(t, "struct", schemaMap["type"])
	assert.Equal(t, "PDB1.SCOTT.EMP.Envelope", schemaMap["name"])
	assert.Len(t, schemaMap["fields"].([]any), 7) // before, after, op, ts_ms, ddl, sql, source

	payload := result["payload"].(map[string]any)
	assert.Nil(t, payload["before"])
	assert.Equal(t, "c", payload["op"])
	assert.Equal(t, float64(1702345678901), payload["ts_ms"])
	assert.NotContains(t, payload, "ddl")
	assert.NotContains(t, payload, "sql")

	after := payload["after"].(map[string]any)
	assert.Equal(t, float64(7369), after["EMPNO"])
	assert.Equal(t, "SMITH", after["ENAME"])
	assert.Equal(t, 800.5, after["SAL"])

	source := payload["source"].(map[string]any)
	assert.Equal(t, "redoflow", source["connector"])
	assert.Equal(t, "PDB1", source["db"])
	assert.Equal(t, "SCOTT", source["schema"])
	assert.Equal(t, "EMP", source["table"])
	assert.Equal(t, "0a.1f.2b", source["txId"])
	assert.Equal(t, float64(100), source["lsn"])
	assert.Equal(t, "100:2:0", source["position"])
	assert.Equal(t, float64(104), source["commit_lsn"])
}

func TestDebeziumTransformer_Transform_Update(t *testing.T) {
	transformer := NewDebeziumTransformer()

	rec := &delivery.Record{
		Table:  empTable,
		Op:     redo.OpUpdate,
		Before: map[string]any{"EMPNO": int64(7369), "SAL": 800.5},
		After:  map[string]any{"EMPNO": int64(7369), "SAL": 900.0},
	}

	data, err := transformer.Transform(rec)
	require.NoError(t, err)
	payload := decode(t, data)["payload"].(map[string]any)

	assert.Equal(t, "u", payload["op"])
	assert.Equal(t, 800.5, payload["before"].(map[string]any)["SAL"])
	assert.Equal(t, 900.0, payload["after"].(map[string]any)["SAL"])
}

func TestDebeziumTransformer_Transform_Delete(t *testing.T) {
	transformer := NewDebeziumTransformer()

	rec := &delivery.Record{
		Table:  empTable,
		Op:     redo.OpDelete,
		Before: map[string]any{"EMPNO": int64(7369)},
	}

	data, err := transformer.Transform(rec)
	require.NoError(t, err)
	payload := decode(t, data)["payload"].(map[string]any)

	assert.Equal(t, "d", payload["op"])
	assert.NotNil(t, payload["before"])
	assert.Nil(t, payload["after"])
}

func TestDebeziumTransformer_DDLAndUndecoded(t *testing.T) {
	transformer := NewDebeziumTransformer()

	data, err := transformer.Transform(&delivery.Record{
		Table: empTable,
		Op:    redo.OpDDL,
		DDL:   "alter table SCOTT.EMP add BONUS number",
		SQL:   "alter table SCOTT.EMP add BONUS number;",
	})
	require.NoError(t, err)
	payload := decode(t, data)["payload"].(map[string]any)
	assert.Equal(t, "ddl", payload["op"])
	assert.Equal(t, "alter table SCOTT.EMP add BONUS number", payload["ddl"])
	assert.NotContains(t, payload, "sql")

	data, err = transformer.Transform(&delivery.Record{
		Table: empTable,
		Op:    redo.OpUpdate,
		SQL:   "update garbage",
	})
	require.NoError(t, err)
	payload = decode(t, data)["payload"].(map[string]any)
	assert.Equal(t, "update garbage", payload["sql"])
}

func TestDebeziumTransformer_SchemaCache(t *testing.T) {
	transformer := NewDebeziumTransformer()
	rec := &delivery.Record{Table: empTable, Op: redo.OpInsert, After: map[string]any{"EMPNO": int64(1)}}

	_, err := transformer.Transform(rec)
	require.NoError(t, err)
	first, ok := transformer.schemaCache.Get(empTable.ID)
	require.True(t, ok)

	_, err = transformer.Transform(rec)
	require.NoError(t, err)
	second, _ := transformer.schemaCache.Get(empTable.ID)
	assert.Same(t, first.schema, second.schema)

	// re-resolved metadata for the same table rebuilds the schema
	changed := *empTable
	changed.Columns = append([]redo.Column{}, empTable.Columns...)
	changed.Columns = append(changed.Columns, redo.Column{Name: "BONUS", Type: "NUMBER", Nullable: true})
	rec.Table = &changed

	data, err := transformer.Transform(rec)
	require.NoError(t, err)
	third, _ := transformer.schemaCache.Get(empTable.ID)
	assert.NotSame(t, first.schema, third.schema)

	fields := decode(t, data)["schema"].(map[string]any)["fields"].([]any)
	after := fields[1].(map[string]any)
	assert.Len(t, after["fields"].([]any), 4)
}

func TestDebeziumTransformer_ColumnTypes(t *testing.T) {
	transformer := NewDebeziumTransformer()
	data, err := transformer.Transform(&delivery.Record{Table: empTable, Op: redo.OpInsert})
	require.NoError(t, err)

	fields := decode(t, data)["schema"].(map[string]any)["fields"].([]any)
	columns := fields[0].(map[string]any)["fields"].([]any)
	require.Len(t, columns, 3)

	empno := columns[0].(map[string]any)
	assert.Equal(t, "int64", empno["type"])
	assert.NotContains(t, empno, "optional")
	assert.Equal(t, "string", columns[1].(map[string]any)["type"])
	assert.Equal(t, true, columns[1].(map[string]any)["optional"])
	assert.Equal(t, "double", columns[2].(map[string]any)["type"])
}

func TestDebeziumTransformer_MissingTable(t *testing.T) {
	_, err := NewDebeziumTransformer().Transform(&delivery.Record{Op: redo.OpInsert})
	assert.Error(t, err)
}

func TestDebeziumTransformer_Tombstone(t *testing.T) {
	transformer := NewDebeziumTransformer()

	result := transformer.Tombstone("any-key")
	assert.Nil(t, result)
}
