// Package retry wraps store operations with bounded exponential backoff.
// Only transient connectivity failures are retried; logical failures
// (not-found, conflicts, ownership) propagate immediately.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Policy bounds the retry loop. The zero value retries nothing; use Default
// for the standard store policy.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default returns the store retry policy: 3 attempts, 50ms base delay,
// doubling with ±50% jitter, capped at 1s.
func Default() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	}
}

// Do runs fn, retrying transient failures up to the attempt budget. The final
// attempt's error is returned unchanged so callers see the real failure.
// Context cancellation stops the loop between attempts.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.backoff(i)):
		}
	}
	return err
}

// backoff computes the delay before retry attempt i (0-based), doubling from
// BaseDelay with ±50% jitter.
func (p Policy) backoff(i int) time.Duration {
	d := p.BaseDelay << uint(i)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	// jitter in [0.5d, 1.5d)
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}

// IsTransient classifies an error as a retryable connectivity or contention
// failure. Everything else, including storage.ErrNotFound and ErrExists, is
// treated as a stable logical outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Badger write conflicts resolve on re-read.
	if errors.Is(err, badger.ErrConflict) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}
