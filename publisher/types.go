package publisher

import (
	"context"

	"github.com/maxpert/redoflow/delivery"
)

// Sink represents a destination for change records (e.g., Kafka, NATS, AMQP)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts delivered records to sink-specific formats
type Transformer interface {
	// Transform converts a record to bytes for publishing
	Transform(rec *delivery.Record) ([]byte, error)
	// Tombstone creates the delete marker published after a delete; a nil
	// value is a Kafka tombstone
	Tombstone(key string) []byte
}

// Filter determines whether a table's records are published to a sink
type Filter interface {
	// Match returns true if records of OWNER.TABLE should be published
	Match(owner, table string) bool
}

// Source is the ordered, checkpointable record stream a worker consumes
type Source interface {
	PollBatch(ctx context.Context, maxRecords int) ([]delivery.Record, error)
	Checkpoint() (string, error)
}
