package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/redoflow/cfg"
	"github.com/maxpert/redoflow/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaWriteTimeout = 10 * time.Second

	// Longest topic name a broker accepts
	maxKafkaTopicLength = 249
)

func init() {
	publisher.RegisterSink("kafka", newKafkaSinkFromConfig)
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	Compression      kafka.Compression // zero disables compression
	WriteTimeout     time.Duration
	AutoCreateTopics bool
}

// DefaultKafkaConfig waits for all in-sync replicas, without compression
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		WriteTimeout:     DefaultKafkaWriteTimeout,
		AutoCreateTopics: true,
	}
}

func newKafkaSinkFromConfig(config cfg.SinkConfiguration) (publisher.Sink, error) {
	kc := DefaultKafkaConfig(config.Brokers)
	if config.BatchSize > 0 {
		kc.BatchSize = config.BatchSize
	}

	acks, err := parseAcks(config.Acks)
	if err != nil {
		return nil, err
	}
	kc.RequiredAcks = acks

	if kc.Compression, err = parseCompression(config.Compression); err != nil {
		return nil, err
	}
	return NewKafkaSink(kc)
}

func parseAcks(s string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return kafka.RequireAll, nil
	case "one":
		return kafka.RequireOne, nil
	case "none":
		return kafka.RequireNone, nil
	}
	return 0, fmt.Errorf("unknown kafka acks %q", s)
}

func parseCompression(s string) (kafka.Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unknown kafka compression %q", s)
}

// KafkaSink writes records synchronously, partitioned by record key so the
// changes of one row stay ordered
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates the writer. No connection is made until the first write.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Compression:            config.Compression,
		WriteTimeout:           config.WriteTimeout,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}}, nil
}

// Publish writes one message. A nil value is a tombstone. Retries belong to
// the worker, so a failed write is returned as is.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: kafkaTopic(topic),
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes pending writes and releases the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// kafkaTopic maps a table topic to the legal Kafka topic alphabet
// [a-zA-Z0-9._-]. Table names may carry '$' or '#'.
func kafkaTopic(topic string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, topic)
	if len(mapped) > maxKafkaTopicLength {
		mapped = mapped[:maxKafkaTopicLength]
	}
	return mapped
}
