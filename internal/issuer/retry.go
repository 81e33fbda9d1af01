package issuer

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/certledger/certledger/internal/certindex"
	"github.com/certledger/certledger/internal/ledger"
)

// isTransient reports whether an upstream failure is worth another attempt.
// Reverts, duplicates, authorization denials and caller cancellation are
// final; timeouts and connectivity failures are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ledger.ErrTxReverted):
		return false
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrConsistency):
		return false
	case errors.Is(err, certindex.ErrDuplicateID), errors.Is(err, certindex.ErrDuplicateContent):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"bad gateway",
		"service unavailable",
		"too many requests",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// withRetry runs fn up to attempts times, sleeping backoff, 2*backoff, ...
// between tries. Non-transient errors stop the loop immediately.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, sleep func(context.Context, time.Duration) error, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := backoff
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return err
			}
			delay *= 2
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}
