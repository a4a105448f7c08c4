package transformer

import (
	"github.com/maxpert/redoflow/publisher"
)

// Compile-time interface verification
var (
	_ publisher.Transformer = (*DebeziumTransformer)(nil)
	_ publisher.Transformer = KafkaStdTransformer{}
)
