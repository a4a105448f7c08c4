package sink

import (
	"bufio"
	"io"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/maxpert/redoflow/cfg"
	"github.com/maxpert/redoflow/publisher"
)

func init() {
	publisher.RegisterSink("stdout", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewStdoutSink(os.Stdout), nil
	})
}

// StdoutSink writes one JSON line per message, for inspection and piping
type StdoutSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

type stdoutLine struct {
	Topic string              `json:"topic"`
	Key   string              `json:"key"`
	Value jsoniter.RawMessage `json:"value"`
}

// NewStdoutSink creates a sink writing to w
func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: bufio.NewWriter(w)}
}

// Publish writes the message and flushes it. JSON values are embedded as is,
// other payloads as strings and tombstones as null.
func (s *StdoutSink) Publish(topic, key string, value []byte) error {
	line := stdoutLine{Topic: topic, Key: key, Value: jsoniter.RawMessage("null")}
	if value != nil {
		if jsoniter.Valid(value) {
			line.Value = value
		} else {
			quoted, err := jsoniter.Marshal(string(value))
			if err != nil {
				return err
			}
			line.Value = quoted
		}
	}

	data, err := jsoniter.Marshal(&line)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes buffered output
func (s *StdoutSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}
