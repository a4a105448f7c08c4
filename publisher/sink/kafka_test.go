package sink

import (
	"strings"
	"testing"

	"github.com/maxpert/redoflow/cfg"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaSinkFromConfig(t *testing.T) {
	snk, err := newKafkaSinkFromConfig(cfg.SinkConfiguration{
		Name:        "k",
		Type:        "kafka",
		Brokers:     []string{"localhost:9092", "localhost:9093"},
		BatchSize:   50,
		Acks:        "one",
		Compression: "zstd",
	})
	require.NoError(t, err)
	defer snk.Close()

	writer := snk.(*KafkaSink).writer
	assert.Equal(t, 50, writer.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, writer.RequiredAcks)
	assert.Equal(t, kafka.Zstd, writer.Compression)
	assert.Equal(t, DefaultKafkaWriteTimeout, writer.WriteTimeout)
	assert.False(t, writer.Async, "writes must be synchronous so failures reach the worker")
	assert.IsType(t, &kafka.Hash{}, writer.Balancer)
}

func TestKafkaSinkDefaults(t *testing.T) {
	snk, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)

	assert.Equal(t, DefaultKafkaBatchSize, snk.writer.BatchSize)
	assert.Equal(t, kafka.Compression(0), snk.writer.Compression)
	assert.NoError(t, snk.Close())

	_, err = NewKafkaSink(KafkaConfig{})
	assert.ErrorContains(t, err, "at least one broker")
}

func TestKafkaSettingsParsing(t *testing.T) {
	acks := map[string]kafka.RequiredAcks{
		"":     kafka.RequireAll,
		"ALL":  kafka.RequireAll,
		"one":  kafka.RequireOne,
		"none": kafka.RequireNone,
	}
	for in, want := range acks {
		got, err := parseAcks(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseAcks("quorum")
	assert.Error(t, err)

	codec, err := parseCompression("gzip")
	require.NoError(t, err)
	assert.Equal(t, kafka.Gzip, codec)

	_, err = newKafkaSinkFromConfig(cfg.SinkConfiguration{Brokers: []string{"b:9092"}, Compression: "brotli"})
	assert.ErrorContains(t, err, "unknown kafka compression")
}

func TestKafkaTopic(t *testing.T) {
	tests := map[string]string{
		"SCOTT_EMP":        "SCOTT_EMP",
		"cdc.SCOTT_EMP":    "cdc.SCOTT_EMP",
		"cdc.SYS$LOG":      "cdc.SYS_LOG",
		"orders#2024 part": "orders_2024_part",
	}
	for in, want := range tests {
		assert.Equal(t, want, kafkaTopic(in), in)
	}

	assert.Len(t, kafkaTopic(strings.Repeat("a", 300)), maxKafkaTopicLength)
}
