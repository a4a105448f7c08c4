// Package publisher moves delivered change records to external systems.
//
// A single Worker polls the pipeline in commit order, transforms every record
// once per configured sink, publishes it with exponential backoff, and takes a
// full checkpoint at a fixed interval between batches. Records are therefore
// published at least once: a crash after publishing but before the next
// checkpoint replays them on restart.
//
// # Sinks and formats
//
// Sinks and transformers register themselves by name from init functions, so
// importing the sink and transformer packages for side effects makes them
// available to the Registry:
//
//	import (
//		_ "github.com/maxpert/redoflow/publisher/sink"
//		_ "github.com/maxpert/redoflow/publisher/transformer"
//	)
//
// Built-in sinks: "kafka", "nats" (JetStream), "amqp" and "stdout".
// Built-in formats: "debezium" (envelope with embedded schema) and
// "kafka-std" (flat JSON row).
//
// # Topics
//
// A record's topic is its table topic (see redo.TopicFor), prefixed with the
// sink's topic_prefix and a dot when one is configured. Every delete is
// followed by the transformer's tombstone under the same key.
package publisher
