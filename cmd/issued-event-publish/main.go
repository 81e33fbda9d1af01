// issued-event-publish re-injects issued certificate events into the queue,
// e.g. to backfill a replica index after its consumer group lost offsets.
// Every payload is validated before anything is published.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/queue"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("issued-event-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", issuedevent.Topic, "issued certificate event topic")
	eventFile := fs.String("events-file", "", "file with one event JSON per line; '-' or empty reads stdin")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic must be non-empty")
	}

	var in io.Reader = stdin
	if path := strings.TrimSpace(*eventFile); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		defer f.Close()
		in = f
	}
	if in == nil {
		return errors.New("events are required via --events-file or stdin")
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	published := 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		payload, err := issuedevent.Decode(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", published+1, err)
		}
		if err := producer.Publish(ctx, *topic, append([]byte(nil), line...)); err != nil {
			return fmt.Errorf("publish %s: %w", payload.CertificateID, err)
		}
		published++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	if published == 0 {
		return errors.New("no events published")
	}
	fmt.Fprintf(os.Stderr, "published %d events to %s\n", published, *topic)
	return nil
}
