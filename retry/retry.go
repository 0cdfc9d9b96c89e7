// Package retry implements the bounded exponential backoff policy shared by
// every remote interaction of the pipeline: stream connections, watermark
// reads, and update transactions.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.rdfsync.dev/core/metrics"
)

// Backoff maps a failed attempt index to the delay before the next attempt.
// Delays grow from five seconds to one hour and then hold at one hour: the
// collaborators we wait on (the stream frontend, the store endpoint) recover
// on operational timescales, not request timescales.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 5 * time.Second
	case 1:
		return 10 * time.Second
	case 2:
		return 30 * time.Second
	case 3:
		return time.Minute
	case 4:
		return 5 * time.Minute
	case 5:
		return 15 * time.Minute
	case 6:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// Sleep blocks for |d|, or until |ctx| is cancelled (returning its error).
func Sleep(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do invokes |op| until it succeeds, making at most |maxAttempts| attempts
// with Backoff delays in between. Failed attempts are logged at warning
// level along with the computed delay. Do returns nil on success, the
// context error if cancelled while waiting, or the final attempt's error
// once the retry ceiling is exceeded.
func Do(ctx context.Context, name string, maxAttempts int, op func() error) error {
	return do(ctx, name, maxAttempts, Backoff, op)
}

func do(ctx context.Context, name string, maxAttempts int, backoff func(int) time.Duration, op func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt != 0 {
			var delay = backoff(attempt - 1)
			log.WithFields(log.Fields{
				"op":      name,
				"attempt": attempt,
				"delay":   delay,
				"err":     err,
			}).Warn("operation failed (will retry)")
			metrics.RetriesTotal.WithLabelValues(name).Inc()

			if serr := Sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return errors.WithMessagef(err, "%s failed after %d attempts", name, maxAttempts)
}
