// Package metrics defines prometheus collectors for the rdfsync pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values for result-keyed collectors.
const (
	Ok       = "ok"
	Fail     = "fail"
	Rejected = "rejected"
)

// Collectors for the replication pipeline.
var (
	StreamConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdfsync_stream_connects_total",
		Help: "Cumulative number of established stream connections.",
	})
	StreamEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_stream_events_total",
		Help: "Cumulative number of stream events, by disposition.",
	}, []string{"disposition"})
	BatchesClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_batches_closed_total",
		Help: "Cumulative number of closed batches, by closing condition.",
	}, []string{"reason"})
	TriplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_triples_total",
		Help: "Cumulative number of net triples submitted to the store, by kind.",
	}, []string{"kind"})
	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_updates_total",
		Help: "Cumulative number of update transactions, by status.",
	}, []string{"status"})
	UpdateDurationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdfsync_update_duration_seconds_total",
		Help: "Cumulative seconds the store spent executing update transactions.",
	})
	WatermarkChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_watermark_checks_total",
		Help: "Cumulative number of pre-batch offset checks, by verdict.",
	}, []string{"verdict"})
	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_retries_total",
		Help: "Cumulative number of retried operations, by operation.",
	}, []string{"op"})
	CacheProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdfsync_txcache_probes_total",
		Help: "Cumulative number of transaction cache probes, by outcome.",
	}, []string{"outcome"})
)

// SyncCollectors returns the collectors of the rdfsync pipeline.
func SyncCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		StreamConnectsTotal,
		StreamEventsTotal,
		BatchesClosedTotal,
		TriplesTotal,
		UpdatesTotal,
		UpdateDurationTotal,
		WatermarkChecksTotal,
		RetriesTotal,
		CacheProbesTotal,
	}
}
