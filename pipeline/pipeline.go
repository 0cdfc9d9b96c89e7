package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.rdfsync.dev/core/metrics"
	"go.rdfsync.dev/core/retry"
	"go.rdfsync.dev/core/store"
	"go.rdfsync.dev/core/stream"
	"go.rdfsync.dev/core/txcache"
)

// Streamer is the stream surface used by the Pipeline.
type Streamer interface {
	EventSource
	Connect(ctx context.Context, cursor stream.Cursor) error
}

// Store is the target store surface used by the Pipeline. *store.Client
// implements it.
type Store interface {
	Updater
	WatermarkReader
	UpdatesCompleteUntil(ctx context.Context) (until time.Time, found bool, err error)
}

// Config of a Pipeline.
type Config struct {
	// Topic and Partition identify the consumed stream.
	Topic     string
	Partition int

	// BatchSize, MaxMessages, LagWindow and Until bound batch assembly
	// (see AssemblerConfig).
	BatchSize   int
	MaxMessages int
	LagWindow   time.Duration
	Until       time.Time

	// Since is the approximate start date used when no offset is known.
	// Zero means derive it from the store's completeness watermark.
	Since time.Time
	// StartOffset is an explicit start offset for the run's first batch.
	// Negative means derive it from the store, or from Since.
	StartOffset int64

	// DatePolicy selects the updates-complete-until date of each batch.
	DatePolicy DatePolicy
	// CheckOffset enables the pre-batch offset check; Rewind enables its
	// recovery path. Each is independently configurable.
	CheckOffset bool
	Rewind      bool
	// MaxRetries bounds every retried remote interaction.
	MaxRetries int
	// Cooldown is how long to wait before the next batch after a batch
	// closed on freshness. Zero disables the wait.
	Cooldown time.Duration
}

// Pipeline runs the replication loop: offset guard, batch assembly, and
// transaction application, strictly in sequence, indefinitely or until the
// configured horizon, the message bound, or a stop request.
type Pipeline struct {
	cfg     Config
	src     Streamer
	store   Store
	cache   *txcache.Cache // may be nil
	asm     *Assembler
	guard   *Guard
	applier *Applier

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New returns a Pipeline over |src| and |st|. |cache| may be nil to disable
// cached transaction artifacts.
func New(cfg Config, src Streamer, st Store, cache *txcache.Cache) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		src:   src,
		store: st,
		cache: cache,
		asm: NewAssembler(AssemblerConfig{
			BatchSize:   cfg.BatchSize,
			MaxMessages: cfg.MaxMessages,
			LagWindow:   cfg.LagWindow,
			Until:       cfg.Until,
		}),
		guard:   NewGuard(GuardConfig{Rewind: cfg.Rewind, MaxRetries: cfg.MaxRetries}, st),
		applier: NewApplier(st, cfg.MaxRetries),
		stopCh:  make(chan struct{}),
	}
}

// Stop requests a graceful stop. A batch which has consumed at least one
// event runs to a natural close and is applied before Run returns, so the
// watermark never reflects a truncated batch. Stop may be called once or
// many times, from any goroutine.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Run executes the replication loop until a stop request, the horizon, the
// message bound, cancellation, or a fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	var expected, err = p.startOffset(ctx)
	if err != nil {
		return err
	}
	log.WithField("offset", expected).Info("starting replication")

	var (
		first      = true
		cooldown   bool
		batchCount int
	)
	for {
		if cooldown {
			log.WithField("wait", p.cfg.Cooldown).Info("waiting before the next batch")
			var stopped bool
			if stopped, err = p.wait(ctx); err != nil {
				return err
			} else if stopped {
				break
			}
			cooldown = false
		}
		select {
		case <-p.stopCh:
			log.Info("stop requested; exiting")
			return p.finish(batchCount)
		default:
		}

		// The watermark is read before every batch except the run's first:
		// the first batch's offset was just derived from the store (or set
		// explicitly by the operator).
		if !first && p.cfg.CheckOffset {
			var verdict, stored, verr = p.guard.Verify(ctx, expected)
			if verr != nil {
				return verr
			} else if verdict == VerdictRewind {
				if err = p.reposition(ctx, stored); err != nil {
					return err
				}
				expected = stored
				continue
			}
		}

		if p.cache != nil {
			var applied bool
			if applied, expected, err = p.applyCached(ctx, expected); err != nil {
				return err
			} else if applied {
				first = false
				batchCount++
				continue
			}
		}

		var b = NewBatch(p.token(expected))
		var res Result
		if res, err = p.asm.Assemble(ctx, p.src, b, p.stopCh); err != nil {
			return err
		}

		if b.Empty() {
			if res.Finished {
				break
			}
			continue
		}

		var update = BuildUpdate(b, p.cfg.DatePolicy)
		if p.cache != nil {
			var entry = txcache.Entry{Update: update, MinDate: b.MinDate, MaxDate: b.MaxDate}
			if cerr := p.cache.Put(b.FirstToken.Offset, b.EventCount, entry); cerr != nil {
				log.WithField("err", cerr).Warn("failed to cache update transaction")
			}
		}

		if _, err = p.applier.Apply(ctx, update); store.IsRejection(err) {
			log.WithField("err", err).
				Error("store rejected the batch; abandoning it and re-deriving the resume point")
			if expected, err = p.rederive(ctx); err != nil {
				return err
			}
			first = false
			continue
		} else if err != nil {
			return err
		}

		expected = b.NextToken.Offset
		first = false
		batchCount++
		cooldown = res.Cooldown && p.cfg.Cooldown > 0

		if res.Finished {
			break
		}
	}
	return p.finish(batchCount)
}

// applyCached probes the artifact cache at |expected| and, on a hit, applies
// the cached transaction instead of assembling. The next expected offset
// advances by the configured batch size, and the stream is repositioned
// there. A rejection re-derives the resume point from the store and reports
// the batch as not applied, so the caller falls back to assembling there
// rather than re-probing the refused artifact.
func (p *Pipeline) applyCached(ctx context.Context, expected int64) (applied bool, next int64, err error) {
	var entry, ok = p.cache.Get(expected, p.cfg.BatchSize)
	if !ok {
		metrics.CacheProbesTotal.WithLabelValues("miss").Inc()
		return false, expected, nil
	}
	metrics.CacheProbesTotal.WithLabelValues("hit").Inc()
	log.WithFields(log.Fields{
		"offset": expected,
		"size":   p.cfg.BatchSize,
		"from":   entry.MinDate,
		"to":     entry.MaxDate,
	}).Info("applying cached update transaction")

	if _, err = p.applier.Apply(ctx, entry.Update); store.IsRejection(err) {
		log.WithField("err", err).
			Error("store rejected the cached batch; re-deriving the resume point")
		if next, err = p.rederive(ctx); err != nil {
			return false, 0, err
		}
		return false, next, nil
	} else if err != nil {
		return false, 0, err
	}

	next = expected + int64(p.cfg.BatchSize)
	if err = p.reposition(ctx, next); err != nil {
		return false, 0, err
	}
	return true, next, nil
}

// startOffset derives the first batch's offset: the explicit configuration,
// else the store's offset watermark, else the first on-topic event at the
// Since date (which is retained as the batch's first candidate).
func (p *Pipeline) startOffset(ctx context.Context) (int64, error) {
	if p.cfg.StartOffset >= 0 {
		return p.cfg.StartOffset, p.src.Connect(ctx, stream.TokenCursor(p.token(p.cfg.StartOffset)))
	}

	if offset, found, err := p.store.NextOffset(ctx); err != nil {
		log.WithField("err", err).
			Debug("could not read the offset watermark; will determine the offset from a date")
	} else if found {
		log.WithField("offset", offset).Info("resuming from the store's offset watermark")
		return offset, p.src.Connect(ctx, stream.TokenCursor(p.token(offset)))
	}

	var since = p.cfg.Since
	if since.IsZero() {
		var err = retry.Do(ctx, "completeness read", p.cfg.MaxRetries, func() error {
			var found bool
			var rerr error
			if since, found, rerr = p.store.UpdatesCompleteUntil(ctx); rerr != nil {
				return rerr
			} else if !found {
				return errors.New("the store has no completeness watermark; a start date is required")
			}
			return nil
		})
		if err != nil {
			return 0, errors.WithMessage(err, "deriving the start date")
		}
	}

	log.WithField("since", since).Info("determining the start offset from the stream")
	if err := p.src.Connect(ctx, stream.SinceCursor(since)); err != nil {
		return 0, err
	}
	var ev, err = p.src.Next(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "reading the first event")
	}
	p.asm.SetPending(ev)
	return ev.Token.Offset, nil
}

// rederive re-reads the store's offset watermark and repositions the stream
// there. Used after a rejected transaction: the watermark did not advance,
// so the next iteration rebuilds from whatever the store actually holds.
func (p *Pipeline) rederive(ctx context.Context) (int64, error) {
	var offset int64
	var err = retry.Do(ctx, "watermark read", p.cfg.MaxRetries, func() error {
		var found bool
		var rerr error
		if offset, found, rerr = p.store.NextOffset(ctx); rerr != nil {
			return rerr
		} else if !found {
			return errors.New("no offset watermark in the store")
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithMessage(err, "re-deriving the resume point")
	}
	return offset, p.reposition(ctx, offset)
}

// reposition reconnects the stream at |offset| and discards any pushed-back
// event (the stream will re-deliver it if still relevant).
func (p *Pipeline) reposition(ctx context.Context, offset int64) error {
	p.asm.Reset()
	return p.src.Connect(ctx, stream.TokenCursor(p.token(offset)))
}

func (p *Pipeline) token(offset int64) stream.ResumeToken {
	return stream.ResumeToken{Topic: p.cfg.Topic, Partition: p.cfg.Partition, Offset: offset}
}

// wait blocks for the configured cooldown, a stop request, or cancellation.
func (p *Pipeline) wait(ctx context.Context) (stopped bool, err error) {
	var timer = time.NewTimer(p.cfg.Cooldown)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.stopCh:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (p *Pipeline) finish(batchCount int) error {
	log.WithField("batches", batchCount).Info("replication finished")
	return nil
}
