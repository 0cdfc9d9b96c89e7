package pipeline

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.rdfsync.dev/core/metrics"
	"go.rdfsync.dev/core/retry"
	"go.rdfsync.dev/core/store"
)

// DatePolicy selects which date of a batch becomes the watermark's
// updates-complete-until statement.
type DatePolicy int

const (
	// DateMax writes the batch's max date: the latest update seen, though
	// earlier updates may still be unseen.
	DateMax DatePolicy = iota
	// DateMin writes the batch's min date: all updates up to it are
	// guaranteed applied.
	DateMin
)

// ParseDatePolicy maps the configuration strings "min" and "max".
func ParseDatePolicy(s string) (DatePolicy, bool) {
	switch s {
	case "min":
		return DateMin, true
	case "max":
		return DateMax, true
	default:
		return 0, false
	}
}

// BuildUpdate serializes a closed, non-empty batch into one update
// transaction: a DELETE/INSERT of the net changeset plus the three
// watermark statements, followed — when entity-level deletes were
// deferred — by a DELETE WHERE removing every statement whose subject is a
// deleted entity or a reified statement node attached to one. Triple blocks
// are sorted, so equal batches serialize identically (the transaction
// cache depends on this).
func BuildUpdate(b *Batch, policy DatePolicy) string {
	var completeUntil = b.MaxDate
	if policy == DateMin {
		completeUntil = b.MinDate
	}
	var inserts = append(b.InsertTriples(),
		store.WatermarkTriples(b.NextToken.Offset, b.MaxDate, completeUntil)...)

	var sb strings.Builder
	sb.WriteString("DELETE {\n  ")
	sb.WriteString(strings.Join(b.DeleteTriples(), " . \n  "))
	sb.WriteString(" \n} INSERT {\n  ")
	sb.WriteString(strings.Join(inserts, " . \n  "))
	sb.WriteString(" \n} WHERE { }\n")

	if ids := b.DeletedEntities(); len(ids) != 0 {
		var values = make([]string, len(ids))
		for i, id := range ids {
			values[i] = "wd:" + id
		}
		var v = strings.Join(values, " ")

		sb.WriteString(";\n")
		sb.WriteString("PREFIX rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#>\n")
		sb.WriteString("PREFIX wikibase: <http://wikiba.se/ontology#>\n")
		sb.WriteString("PREFIX wd: <http://www.wikidata.org/entity/>\n")
		sb.WriteString("DELETE {\n")
		sb.WriteString("  ?s ?p ?o .\n")
		sb.WriteString("} WHERE {\n")
		sb.WriteString("  {\n")
		sb.WriteString("    VALUES ?s { " + v + " }\n")
		sb.WriteString("    ?s ?p ?o .\n")
		sb.WriteString("  } UNION {\n")
		sb.WriteString("    VALUES ?_1 { " + v + " }\n")
		sb.WriteString("    ?_1 ?_2 ?s .\n")
		sb.WriteString("    ?s ?p ?o .\n")
		sb.WriteString("    ?s rdf:type wikibase:Statement .\n")
		sb.WriteString("  }\n")
		sb.WriteString("}\n")
	}
	return sb.String()
}

// Updater is the store surface used by the Applier.
type Updater interface {
	Update(ctx context.Context, update string) (*store.UpdateStats, error)
}

// Applier executes update transactions against the target store with the
// shared retry policy.
type Applier struct {
	updater    Updater
	maxRetries int
}

// NewApplier returns an Applier of |updater|.
func NewApplier(updater Updater, maxRetries int) *Applier {
	return &Applier{updater: updater, maxRetries: maxRetries}
}

// Apply executes |update| and returns the store's statistics. Transport
// failures and malformed responses retry with bounded backoff; a
// store-reported Rejection is returned immediately without retrying, and
// without the watermark having advanced — the caller abandons the batch and
// re-derives its start point from the store.
func (ap *Applier) Apply(ctx context.Context, update string) (*store.UpdateStats, error) {
	var stats *store.UpdateStats
	var rejection error

	var err = retry.Do(ctx, "update transaction", ap.maxRetries, func() error {
		var uerr error
		stats, uerr = ap.updater.Update(ctx, update)
		if store.IsRejection(uerr) {
			// Not a transport failure: the store refused the transaction.
			rejection = uerr
			return nil
		}
		return uerr
	})
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, err
	}
	if rejection != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.Rejected).Inc()
		return nil, rejection
	}

	metrics.UpdatesTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.UpdateDurationTotal.Add(stats.Total().Seconds())

	var inserted, deleted = stats.DeltaTotals()
	metrics.TriplesTotal.WithLabelValues("insert").Add(float64(inserted))
	metrics.TriplesTotal.WithLabelValues("delete").Add(float64(deleted))

	log.WithFields(log.Fields{
		"operations": len(stats.Operations),
		"inserted":   inserted,
		"deleted":    deleted,
		"took":       stats.Total(),
	}).Info("applied update transaction")
	return stats, nil
}
