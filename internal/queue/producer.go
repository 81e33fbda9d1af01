package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}

	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	if _, err := p.w.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (p *stdioProducer) Close() error {
	return nil
}
