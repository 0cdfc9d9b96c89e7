package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.rdfsync.dev/core/metrics"
	"go.rdfsync.dev/core/retry"
)

// Verdict of a pre-batch offset check.
type Verdict int

const (
	// VerdictMatch: the store's watermark equals the intended first offset.
	VerdictMatch Verdict = iota
	// VerdictRewind: the stream is ahead of the store (e.g. the store was
	// restarted from an older image); reconnect at the watermark's offset
	// and rebuild the batch from there.
	VerdictRewind
)

// WatermarkReader reads the store's next-offset watermark.
type WatermarkReader interface {
	NextOffset(ctx context.Context) (offset int64, found bool, err error)
}

// GuardConfig configures the pre-batch offset check.
type GuardConfig struct {
	// Rewind enables recovering from a stream position ahead of the store.
	Rewind bool
	// MaxRetries bounds watermark read attempts.
	MaxRetries int
}

// Guard reconciles the pipeline's intended resume point with the target
// store's durable watermark before each batch. The pipeline holds no
// durable state of its own: the watermark is the single source of truth,
// and the guard is what keeps an at-least-once stream from silently
// diverging the store.
type Guard struct {
	cfg    GuardConfig
	reader WatermarkReader
}

// NewGuard returns a Guard reading watermarks from |reader|.
func NewGuard(cfg GuardConfig, reader WatermarkReader) *Guard {
	return &Guard{cfg: cfg, reader: reader}
}

// Verify compares |expected|, the first offset of the batch about to be
// assembled, against the store's watermark. It returns VerdictMatch to
// proceed, or VerdictRewind with the watermark offset to rebuild from.
// A watermark ahead of |expected| means the store claims progress this
// pipeline never produced (out-of-order application, or data loss): that is
// fatal, with no automatic recovery.
func (g *Guard) Verify(ctx context.Context, expected int64) (Verdict, int64, error) {
	var stored int64
	var found bool

	var err = retry.Do(ctx, "watermark read", g.cfg.MaxRetries, func() error {
		var rerr error
		stored, found, rerr = g.reader.NextOffset(ctx)
		return rerr
	})
	if err != nil {
		return 0, 0, errors.WithMessage(err, "reading offset watermark")
	} else if !found {
		return 0, 0, errors.New(
			"no offset watermark in the store; this might be the first update, or the offset statement is missing")
	}

	switch {
	case stored == expected:
		metrics.WatermarkChecksTotal.WithLabelValues("match").Inc()
		return VerdictMatch, stored, nil

	case stored < expected:
		if !g.cfg.Rewind {
			metrics.WatermarkChecksTotal.WithLabelValues("fatal").Inc()
			return 0, 0, errors.Errorf(
				"stream offset %d is later than offset %d from the store, and rewind is disabled",
				expected, stored)
		}
		metrics.WatermarkChecksTotal.WithLabelValues("rewind").Inc()
		log.WithFields(log.Fields{
			"stream": expected,
			"store":  stored,
		}).Info("stream offset is later than the store's; rewinding (this can happen after a store restart)")
		return VerdictRewind, stored, nil

	default: // stored > expected
		metrics.WatermarkChecksTotal.WithLabelValues("fatal").Inc()
		return 0, 0, errors.Errorf(
			"stream offset %d is earlier than offset %d from the store; "+
				"updates may have been applied out of order or some updates are missing",
			expected, stored)
	}
}
