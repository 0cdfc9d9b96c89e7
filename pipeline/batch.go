// Package pipeline implements the replication loop which keeps the target
// store synchronized with the change stream: batch assembly with its closing
// conditions, net insert/delete changesets, the pre-batch offset guard, and
// update-transaction application.
package pipeline

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"go.rdfsync.dev/core/stream"
)

// Batch accumulates the net effect of a run of consecutive change events.
// It is created empty at the top of each loop iteration, owned exclusively
// by that iteration, and discarded once its transaction is applied or
// abandoned. The insert and delete sets are disjoint at every step.
type Batch struct {
	// FirstToken is the stream position of the batch's first candidate
	// event. NextToken is one past the last consumed event and is always in
	// precise-offset form; it equals FirstToken while the batch is empty.
	FirstToken, NextToken stream.ResumeToken
	// MinDate and MaxDate bound the timestamps of consumed events.
	MinDate, MaxDate time.Time
	// EventCount is the number of consumed events.
	EventCount int

	inserts         map[string]struct{}
	deletes         map[string]struct{}
	deletedEntities map[string]struct{}
}

// NewBatch returns an empty Batch whose first candidate event is at |first|.
func NewBatch(first stream.ResumeToken) *Batch {
	return &Batch{
		FirstToken:      first,
		NextToken:       first,
		inserts:         make(map[string]struct{}),
		deletes:         make(map[string]struct{}),
		deletedEntities: make(map[string]struct{}),
	}
}

// Empty returns whether the batch has consumed no events.
func (b *Batch) Empty() bool { return b.EventCount == 0 }

// DeletesEntity returns whether an entity-level delete of |id| was consumed.
func (b *Batch) DeletesEntity(id string) bool {
	var _, ok = b.deletedEntities[id]
	return ok
}

// InsertTriples returns the net inserted triples, sorted.
func (b *Batch) InsertTriples() []string { return sortedKeys(b.inserts) }

// DeleteTriples returns the net deleted triples, sorted.
func (b *Batch) DeleteTriples() []string { return sortedKeys(b.deletes) }

// DeletedEntities returns the deferred-deleted entity ids, sorted.
func (b *Batch) DeletedEntities() []string { return sortedKeys(b.deletedEntities) }

// applyInsert folds an inserted triple into the changeset. A pending delete
// of the same triple cancels to net zero.
func (b *Batch) applyInsert(t string) {
	if _, ok := b.deletes[t]; ok {
		delete(b.deletes, t)
		return
	}
	b.inserts[t] = struct{}{}
}

// applyDelete folds a deleted triple into the changeset. A pending insert
// of the same triple cancels to net zero.
func (b *Batch) applyDelete(t string) {
	if _, ok := b.inserts[t]; ok {
		delete(b.inserts, t)
		return
	}
	b.deletes[t] = struct{}{}
}

// Consume folds |ev| into the batch. All payloads are parsed before any
// mutation, so an error leaves the batch unchanged and the event may be
// skipped safely.
func (b *Batch) Consume(ev stream.ChangeEvent) error {
	var dels, adds []string

	for _, data := range []string{ev.DeletedData, ev.UnlinkedSharedData} {
		var triples, err = canonicalTriples(data)
		if err != nil {
			return errors.WithMessagef(err, "parsing deleted data of %s at offset %d",
				ev.EntityID, ev.Token.Offset)
		}
		dels = append(dels, triples...)
	}
	for _, data := range []string{ev.AddedData, ev.LinkedSharedData} {
		var triples, err = canonicalTriples(data)
		if err != nil {
			return errors.WithMessagef(err, "parsing added data of %s at offset %d",
				ev.EntityID, ev.Token.Offset)
		}
		adds = append(adds, triples...)
	}

	// Entity-level deletes are deferred: the id is recorded now, and its
	// removal is expressed at apply time as a pattern delete over the set.
	if ev.Operation == stream.OpDelete {
		b.deletedEntities[ev.EntityID] = struct{}{}
	}
	for _, t := range dels {
		b.applyDelete(t)
	}
	for _, t := range adds {
		b.applyInsert(t)
	}

	if b.EventCount == 0 || ev.Timestamp.Before(b.MinDate) {
		b.MinDate = ev.Timestamp
	}
	if ev.Timestamp.After(b.MaxDate) {
		b.MaxDate = ev.Timestamp
	}
	b.NextToken = ev.Token.Next()
	b.EventCount++
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	var out = make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
