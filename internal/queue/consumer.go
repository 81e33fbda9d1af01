package queue

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaConsumer struct {
	reader *kafka.Reader

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	topics := normalizeList(cfg.Topics)
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer requires at least one broker")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("kafka consumer requires group")
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka consumer requires at least one topic")
	}
	minBytes := cfg.KafkaMinBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	maxBytes := cfg.KafkaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, errors.New("kafka consumer max bytes must be >= min bytes")
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     strings.TrimSpace(cfg.Group),
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if kafkaTLSEnabled() {
		readerCfg.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	reader := kafka.NewReader(readerCfg)
	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: reader,
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case c.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ackFn: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message {
	return c.msgCh
}

func (c *kafkaConsumer) Errors() <-chan error {
	return c.errCh
}

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgCh)
		defer close(c.errCh)

		sc := bufio.NewScanner(reader)
		sc.Buffer(make([]byte, 1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			msg := Message{
				Value:     line,
				Timestamp: time.Now().UTC(),
			}
			select {
			case c.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errCh <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c, nil
}

func (c *stdioConsumer) Messages() <-chan Message {
	return c.msgCh
}

func (c *stdioConsumer) Errors() <-chan error {
	return c.errCh
}

func (c *stdioConsumer) Close() error {
	c.once.Do(func() {
		c.cancel()
	})
	return nil
}
