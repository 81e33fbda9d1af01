package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/queue"
)

type WorkerConfig struct {
	MaxInflight int
	AckTimeout  time.Duration
}

// Worker consumes issued certificate events and applies them through a
// Reconciler. Permanently malformed payloads are acknowledged and dropped so
// one poison message cannot wedge the topic.
type Worker struct {
	cfg WorkerConfig

	rec      *Reconciler
	consumer queue.Consumer
	log      *slog.Logger
}

func NewWorker(cfg WorkerConfig, rec *Reconciler, consumer queue.Consumer, log *slog.Logger) (*Worker, error) {
	if rec == nil || consumer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, rec: rec, consumer: consumer, log: log}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("reconcile queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("reconcile handle message", "err", err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	payload, err := issuedevent.Decode(msg.Value)
	if err != nil {
		w.log.Warn("dropping undecodable issued event", "err", err)
		return w.ack(msg)
	}

	err = w.rec.ApplyIssued(ctx, payload)
	switch {
	case err == nil:
		return w.ack(msg)
	case errors.Is(err, ErrInvalidEvent):
		// Nothing to retry; a malformed event stays malformed.
		w.log.Warn("dropping invalid issued event", "certificateID", payload.CertificateID, "err", err)
		return w.ack(msg)
	default:
		// Left unacked so the broker redelivers.
		return err
	}
}

func (w *Worker) ack(msg queue.Message) error {
	ackCtx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ackCtx); err != nil {
		return fmt.Errorf("reconcile: ack: %w", err)
	}
	return nil
}
