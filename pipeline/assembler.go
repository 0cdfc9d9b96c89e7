package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"go.rdfsync.dev/core/metrics"
	"go.rdfsync.dev/core/stream"
)

// CloseReason reports which condition closed a batch.
type CloseReason int

const (
	// CloseConflict: an event would add data for an entity already deleted
	// within the batch. A delete-then-add of one entity cannot be expressed
	// as a single net diff.
	CloseConflict CloseReason = iota
	// CloseSize: the batch reached its event cap, or the run's absolute
	// message bound was reached.
	CloseSize
	// CloseFreshness: an event's timestamp is within the lag window of now.
	CloseFreshness
	// CloseHorizon: an event's timestamp reached the configured horizon.
	CloseHorizon
	// CloseStop: a graceful stop was requested.
	CloseStop
)

// String returns a label of the CloseReason.
func (r CloseReason) String() string {
	switch r {
	case CloseConflict:
		return "conflict"
	case CloseSize:
		return "size"
	case CloseFreshness:
		return "freshness"
	case CloseHorizon:
		return "horizon"
	case CloseStop:
		return "stop"
	default:
		return "invalid"
	}
}

// AssemblerConfig bounds batch assembly.
type AssemblerConfig struct {
	// BatchSize caps the events of one batch.
	BatchSize int
	// MaxMessages bounds the total events consumed across the run.
	// Zero means unbounded.
	MaxMessages int
	// LagWindow closes a non-empty batch when an event's timestamp is
	// within it of wall-clock now.
	LagWindow time.Duration
	// Until is the run horizon. Zero means no horizon.
	Until time.Time
}

// EventSource is the stream surface pulled by the Assembler.
type EventSource interface {
	Next(ctx context.Context) (stream.ChangeEvent, error)
}

// Result of assembling one batch.
type Result struct {
	Reason CloseReason
	// Finished marks the run complete: the horizon or the absolute message
	// bound was reached.
	Finished bool
	// Cooldown asks the pipeline to wait before the next batch. Set on
	// freshness closes: the stream is being read faster than it fills.
	Cooldown bool
}

// Assembler assembles one Batch at a time from an EventSource. It carries a
// single pushed-back event across batches: a closing condition (other than a
// stop) leaves its triggering event unconsumed, and that event becomes the
// first candidate of the next batch.
type Assembler struct {
	cfg           AssemblerConfig
	now           func() time.Time
	pending       *stream.ChangeEvent
	consumedTotal int
}

// NewAssembler returns an Assembler with the given bounds.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	return &Assembler{cfg: cfg, now: time.Now}
}

// Pending returns the pushed-back event which will lead the next batch, or
// nil. SetPending primes it (used when the start offset is derived by
// reading the stream's first event).
func (a *Assembler) Pending() *stream.ChangeEvent { return a.pending }

// SetPending primes the pushback slot with |ev|.
func (a *Assembler) SetPending(ev stream.ChangeEvent) { a.pending = &ev }

// Reset discards any pushed-back event. Called when the pipeline rewinds or
// re-derives its position: the stream will be reconnected and the event
// re-delivered if still relevant.
func (a *Assembler) Reset() { a.pending = nil }

// Assemble pulls events from |src| into |b| until a closing condition is
// met. |stop| requests a graceful close: an empty batch returns
// immediately, a non-empty one closes at the next event boundary. Assemble
// returns an error only on cancellation or when the source's retries are
// exhausted; a closed batch with EventCount zero is discarded by the caller.
func (a *Assembler) Assemble(ctx context.Context, src EventSource, b *Batch, stop <-chan struct{}) (Result, error) {
	for {
		select {
		case <-stop:
			return a.close(b, Result{Reason: CloseStop, Finished: true}), nil
		default:
		}

		var ev stream.ChangeEvent
		if a.pending != nil {
			ev, a.pending = *a.pending, nil
		} else {
			var err error
			if ev, err = src.Next(ctx); err != nil {
				return Result{}, err
			}
		}

		// Closing conditions, in priority order. All but consumption leave
		// the triggering event pushed back for the next batch.

		if ev.AddsData() && b.DeletesEntity(ev.EntityID) {
			log.WithFields(log.Fields{
				"entity": ev.EntityID,
				"offset": ev.Token.Offset,
			}).Warn("event adds data for an entity deleted earlier in this batch; closing batch")
			a.pending = &ev
			return a.close(b, Result{Reason: CloseConflict}), nil
		}

		if b.EventCount >= a.cfg.BatchSize {
			a.pending = &ev
			return a.close(b, Result{Reason: CloseSize}), nil
		}
		if a.cfg.MaxMessages > 0 && a.consumedTotal >= a.cfg.MaxMessages {
			a.pending = &ev
			return a.close(b, Result{Reason: CloseSize, Finished: true}), nil
		}

		// Never close an empty batch on freshness: a slow but live stream
		// would otherwise starve the pipeline.
		if a.now().Sub(ev.Timestamp) < a.cfg.LagWindow && b.EventCount > 0 {
			log.WithFields(log.Fields{
				"date": ev.Timestamp,
				"lag":  a.cfg.LagWindow,
			}).Info("event is within the lag window of now; closing batch")
			a.pending = &ev
			return a.close(b, Result{Reason: CloseFreshness, Cooldown: true}), nil
		}

		if !a.cfg.Until.IsZero() && !ev.Timestamp.Before(a.cfg.Until) {
			log.WithFields(log.Fields{
				"date":  ev.Timestamp,
				"until": a.cfg.Until,
			}).Warn("reached the horizon date, that's it folks")
			a.pending = &ev
			return a.close(b, Result{Reason: CloseHorizon, Finished: true}), nil
		}

		if err := b.Consume(ev); err != nil {
			// The event was malformed when written; later events are
			// unaffected, so skip it and continue the batch.
			metrics.StreamEventsTotal.WithLabelValues("malformed").Inc()
			log.WithFields(log.Fields{"err": err, "offset": ev.Token.Offset}).
				Warn("skipping malformed event")
			continue
		}
		a.consumedTotal++
		metrics.StreamEventsTotal.WithLabelValues("consumed").Inc()
	}
}

func (a *Assembler) close(b *Batch, res Result) Result {
	metrics.BatchesClosedTotal.WithLabelValues(res.Reason.String()).Inc()
	if b.Empty() {
		return res
	}
	log.WithFields(log.Fields{
		"events": b.EventCount,
		"from":   b.MinDate,
		"to":     b.MaxDate,
		"next":   b.NextToken.Offset,
		"reason": res.Reason,
	}).Info("assembled batch")
	return res
}
