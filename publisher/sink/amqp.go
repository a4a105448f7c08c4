package sink

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/redoflow/cfg"
	"github.com/maxpert/redoflow/publisher"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const DefaultAmqpConfirmTimeout = 10 * time.Second

func init() {
	publisher.RegisterSink("amqp", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.AmqpURL == "" {
			return nil, fmt.Errorf("amqp sink requires amqp_url")
		}
		return NewAmqpSink(AmqpConfig{URL: config.AmqpURL, Exchange: config.Exchange})
	})
}

// AmqpConfig holds configuration for AmqpSink
type AmqpConfig struct {
	URL            string
	Exchange       string        // topic exchange, declared durable; empty uses the default exchange
	ConfirmTimeout time.Duration // wait for the broker ack of each message
}

// AmqpSink publishes persistent messages with the topic as routing key and
// waits for a publisher confirm of each one. A broken connection is redialed
// by the next Publish.
type AmqpSink struct {
	config   AmqpConfig
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
	dial     func(url string) (*amqp.Connection, error)
}

// NewAmqpSink dials the broker and prepares a confirming channel
func NewAmqpSink(config AmqpConfig) (*AmqpSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("amqp sink requires a url")
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = DefaultAmqpConfirmTimeout
	}

	s := &AmqpSink{config: config, dial: amqp.Dial}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// connect must be called with mu held, or before the sink is shared
func (s *AmqpSink) connect() error {
	conn, err := s.dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if s.config.Exchange != "" {
		if err := channel.ExchangeDeclare(
			s.config.Exchange,
			amqp.ExchangeTopic,
			true,  // durable
			false, // delete when complete
			false, // internal
			false, // noWait
			nil,
		); err != nil {
			conn.Close()
			return fmt.Errorf("amqp exchange declare %s: %w", s.config.Exchange, err)
		}
	}

	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("amqp confirm mode: %w", err)
	}

	s.conn = conn
	s.channel = channel
	s.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1))

	log.Info().Str("exchange", s.config.Exchange).Msg("Connected AMQP sink")
	return nil
}

// Publish sends one persistent message and waits for its confirm
func (s *AmqpSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}

	err := s.channel.Publish(s.config.Exchange, topic, false, false, amqp.Publishing{
		Headers:      amqp.Table{"key": key},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Timestamp:    time.Now(),
		Body:         value,
	})
	if err != nil {
		s.reset()
		return fmt.Errorf("amqp publish to %s: %w", topic, err)
	}

	timer := time.NewTimer(s.config.ConfirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-s.confirms:
		if !ok {
			s.reset()
			return fmt.Errorf("amqp channel closed before confirm of %s", topic)
		}
		if !confirm.Ack {
			return fmt.Errorf("amqp broker nacked message %d on %s", confirm.DeliveryTag, topic)
		}
		return nil
	case <-timer.C:
		s.reset()
		return fmt.Errorf("amqp confirm timeout on %s", topic)
	}
}

// reset drops the connection so the next Publish redials
func (s *AmqpSink) reset() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.channel = nil
	s.confirms = nil
}

// Close closes the channel and the connection
func (s *AmqpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Warn().Err(err).Msg("AMQP channel close error")
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.conn = nil
			return fmt.Errorf("amqp connection close: %w", err)
		}
	}
	s.conn = nil
	s.channel = nil
	return nil
}
