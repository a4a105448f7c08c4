package transformer

import (
	"testing"

	"github.com/maxpert/redoflow/delivery"
	"github.com/maxpert/redoflow/redo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaStdTransformer_Insert(t *testing.T) {
	data, err := KafkaStdTransformer{}.Transform(&delivery.Record{
		Table:     empTable,
		Op:        redo.OpInsert,
		Xid:       "tx1",
		Position:  redo.Position{LSN: 10},
		Timestamp: 1700000000000,
		After:     map[string]any{"EMPNO": int64(7369), "ENAME": "SMITH"},
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"EMPNO": 7369,
		"ENAME": "SMITH",
		"__op": "c",
		"__table": "PDB1:SCOTT.EMP",
		"__xid": "tx1",
		"__position": "10:0:0",
		"__ts_ms": 1700000000000,
		"__deleted": false
	}`, string(data))
}

func TestKafkaStdTransformer_DeleteUsesBeforeImage(t *testing.T) {
	data, err := KafkaStdTransformer{}.Transform(&delivery.Record{
		Table:  empTable,
		Op:     redo.OpDelete,
		Before: map[string]any{"EMPNO": int64(7369)},
	})
	require.NoError(t, err)

	row := decode(t, data)
	assert.Equal(t, float64(7369), row["EMPNO"])
	assert.Equal(t, "d", row[FieldOp])
	assert.Equal(t, true, row[FieldDeleted])
}

func TestKafkaStdTransformer_DDLAndUndecoded(t *testing.T) {
	data, err := KafkaStdTransformer{}.Transform(&delivery.Record{
		Table: empTable,
		Op:    redo.OpDDL,
		DDL:   "truncate table SCOTT.EMP",
	})
	require.NoError(t, err)
	row := decode(t, data)
	assert.Equal(t, "ddl", row[FieldOp])
	assert.Equal(t, "truncate table SCOTT.EMP", row[FieldDDL])
	assert.NotContains(t, row, FieldSQL)

	data, err = KafkaStdTransformer{}.Transform(&delivery.Record{
		Table: empTable,
		Op:    redo.OpInsert,
		SQL:   "insert garbage",
	})
	require.NoError(t, err)
	assert.Equal(t, "insert garbage", decode(t, data)[FieldSQL])
}

func TestKafkaStdTransformer_Tombstone(t *testing.T) {
	assert.Nil(t, KafkaStdTransformer{}.Tombstone("k"))
}

func TestMapColumnType(t *testing.T) {
	tests := map[string]string{
		"NUMBER":          "double",
		"NUMBER(10)":      "int64",
		"number(10, 0)":   "int64",
		"NUMBER(7,2)":     "double",
		"INTEGER":         "int64",
		"BINARY_DOUBLE":   "double",
		"VARCHAR2(30)":    "string",
		"DATE":            "string",
		"TIMESTAMP(6)":    "string",
		"RAW(16)":         "bytes",
		"BLOB":            "bytes",
		"BOOLEAN":         "boolean",
		"SDO_GEOMETRY":    "string",
		"NUMBER(*,0)":     "int64",
		"NUMBER(p)":       "double",
		"  float(126)   ": "double",
	}
	for in, want := range tests {
		assert.Equal(t, want, mapColumnType(in), in)
	}
}
