// Package queue abstracts the event bus behind small Producer and Consumer
// interfaces with kafka and stdio drivers. The stdio driver exists for local
// runs and tests; production uses kafka.
package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS          = "CERTLEDGER_QUEUE_KAFKA_TLS"
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

// Message is a queue record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (kafka) or local receive time (stdio).
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message when the driver requires it.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Producer publishes queue messages.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Consumer consumes queue messages asynchronously.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// ProducerConfig configures queue producers.
type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// ConsumerConfig configures queue consumers.
type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers []string
	Group   string
	Topics  []string

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

// NewProducer creates a queue producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// NewConsumer creates a queue consumer for the configured driver.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SplitCommaList turns a comma separated flag value into a broker list.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
