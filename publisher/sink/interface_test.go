package sink

import "github.com/maxpert/redoflow/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*AmqpSink)(nil)
	_ publisher.Sink = (*StdoutSink)(nil)
)
