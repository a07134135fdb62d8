// Package metrics provides Prometheus metrics collection for the attribute
// store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the attribute store.
type Collector struct {
	// Fetch metrics
	FetchesTotal   *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	RecordsFetched *prometheus.CounterVec

	// Commit metrics
	CommitsTotal       *prometheus.CounterVec
	CommitDuration     *prometheus.HistogramVec
	RecordsMutated     *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	CardinalityRaces   prometheus.Counter

	// Schema metrics
	SchemaReloads      prometheus.Counter
	SchemaReloadErrors prometheus.Counter
	SchemaLastReload   prometheus.Gauge
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "fetches_total",
				Help:      "Total number of entity tree fetches",
			},
			[]string{"schema", "mode"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "semstore",
				Name:      "fetch_duration_seconds",
				Help:      "Entity tree fetch duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"schema"},
		),
		RecordsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "records_fetched_total",
				Help:      "Total record rows materialized into trees",
			},
			[]string{"schema"},
		),
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "commits_total",
				Help:      "Total number of commit attempts",
			},
			[]string{"schema", "outcome"},
		),
		CommitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "semstore",
				Name:      "commit_duration_seconds",
				Help:      "Commit duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"schema"},
		),
		RecordsMutated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "records_mutated_total",
				Help:      "Total record rows written by commits",
			},
			[]string{"schema", "kind"},
		),
		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "validation_failures_total",
				Help:      "Total commits rejected by validation",
			},
			[]string{"schema"},
		),
		CardinalityRaces: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "cardinality_races_total",
				Help:      "Total commits rejected by the cardinality guard index",
			},
		),
		SchemaReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "schema_reloads_total",
				Help:      "Total number of successful schema reloads",
			},
		),
		SchemaReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semstore",
				Name:      "schema_reload_errors_total",
				Help:      "Total number of schema reload errors",
			},
		),
		SchemaLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "semstore",
				Name:      "schema_last_reload_timestamp",
				Help:      "Unix timestamp of last successful schema reload",
			},
		),
	}
}
