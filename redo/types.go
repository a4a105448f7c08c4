package redo

import (
	"fmt"
	"strings"
	"time"
)

// OpKind is the kind of change a statement carries
type OpKind uint8

const (
	OpInsert OpKind = 0
	OpUpdate OpKind = 1
	OpDelete OpKind = 2
	OpDDL    OpKind = 3
)

// String returns the lower-case operation name
func (o OpKind) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpDDL:
		return "ddl"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Marker flags rows that end a transaction
type Marker uint8

const (
	MarkerNone     Marker = 0
	MarkerCommit   Marker = 1
	MarkerRollback Marker = 2
)

// TableID identifies a table inside a (possibly multi-tenant) database:
// Container is the pluggable/container database id, Object the data object id.
type TableID struct {
	Container uint32 `msgpack:"con" json:"container"`
	Object    uint32 `msgpack:"obj" json:"object"`
}

// Packed returns the combined container<<32 | object form stored in checkpoints
func (t TableID) Packed() uint64 {
	return uint64(t.Container)<<32 | uint64(t.Object)
}

// UnpackTableID reverses Packed
func UnpackTableID(v uint64) TableID {
	return TableID{Container: uint32(v >> 32), Object: uint32(v)}
}

func (t TableID) String() string {
	return fmt.Sprintf("%d/%d", t.Container, t.Object)
}

// Payload is the undecoded change carried by a statement: the redo SQL that
// reproduces the change and the undo SQL that reverts it.
type Payload struct {
	Redo string `msgpack:"redo"`
	Undo string `msgpack:"undo,omitempty"`
}

// Size approximates the in-memory footprint of the payload
func (p Payload) Size() int {
	return len(p.Redo) + len(p.Undo)
}

// Row is one raw row from the log-mining source. Commit and rollback rows
// carry only Position, Xid and Marker.
type Row struct {
	Position  Position
	Xid       string
	Table     TableID
	Op        OpKind
	Marker    Marker
	Payload   Payload
	Timestamp time.Time
}

// Statement is one in-scope change owned by a transaction. Immutable once built.
type Statement struct {
	Table     TableID  `msgpack:"tbl"`
	Op        OpKind   `msgpack:"op"`
	Xid       string   `msgpack:"xid"`
	Position  Position `msgpack:"pos"`
	Payload   Payload  `msgpack:"payload"`
	Timestamp int64    `msgpack:"ts"` // unix millis of the change
}

// StatementFromRow projects a data row into a Statement
func StatementFromRow(row Row) Statement {
	var ts int64
	if !row.Timestamp.IsZero() {
		ts = row.Timestamp.UnixMilli()
	}
	return Statement{
		Table:     row.Table,
		Op:        row.Op,
		Xid:       row.Xid,
		Position:  row.Position,
		Payload:   row.Payload,
		Timestamp: ts,
	}
}

// SchemaKind selects the shape of emitted records
type SchemaKind string

const (
	SchemaDebezium SchemaKind = "debezium"
	SchemaKafkaStd SchemaKind = "kafka-std"
)

// Column describes one column of a table
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	IsPK     bool   `json:"is_pk"`
}

// TableMetadata is resolved once per in-scope table and never changes
// for the life of the process.
type TableMetadata struct {
	ID         TableID
	Container  string // container (pluggable database) name, empty for non-container databases
	Owner      string
	Name       string
	PrimaryKey []string
	Columns    []Column
	Topic      string
	Schema     SchemaKind
}

// QualifiedName returns OWNER.NAME
func (m *TableMetadata) QualifiedName() string {
	return m.Owner + "." + m.Name
}

// FullName prefixes the qualified name with the container name when present
func (m *TableMetadata) FullName() string {
	if m.Container == "" {
		return m.QualifiedName()
	}
	return m.Container + ":" + m.QualifiedName()
}

// Column looks a column up by case-insensitive name
func (m *TableMetadata) Column(name string) (Column, bool) {
	for _, c := range m.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// TopicFor derives the output topic for a table from the configured topic
// setting: kafka-std uses one topic per table, debezium a single topic.
func TopicFor(kind SchemaKind, topic, table string) string {
	if kind == SchemaDebezium {
		return topic
	}
	if topic == "" {
		return table
	}
	return topic + "_" + table
}

// DatabaseIdentity identifies the source database a checkpoint belongs to.
// Only DBID takes part in identity checks; the names are informational.
type DatabaseIdentity struct {
	DBID     uint64 `msgpack:"dbid" json:"dbid" yaml:"dbid"`
	Name     string `msgpack:"name" json:"name" yaml:"name"`
	Instance string `msgpack:"instance" json:"instance" yaml:"instance"`
	Host     string `msgpack:"host" json:"host" yaml:"host"`
}

// Same reports whether both identities denote the same database
func (d DatabaseIdentity) Same(o DatabaseIdentity) bool {
	return d.DBID == o.DBID
}
