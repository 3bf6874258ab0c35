// Package metrics holds the prometheus collectors of a node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Splits              prometheus.Counter
	SplitFailures       prometheus.Counter
	Merges              prometheus.Counter
	MergeFailures       prometheus.Counter
	RedistributedTuples prometheus.Counter
	CoverageErrors      prometheus.Counter
	AllocationFailures  prometheus.Counter
	RoutingRetries      prometheus.Counter
	StatisticsRuns      prometheus.Counter
	LocalRegions        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "spacedb", Name: name, Help: help})
	}
	m := &Metrics{
		Splits:              counter("region_splits_total", "Completed region splits."),
		SplitFailures:       counter("region_split_failures_total", "Region splits rolled back."),
		Merges:              counter("region_merges_total", "Completed region merges."),
		MergeFailures:       counter("region_merge_failures_total", "Region merges rolled back."),
		RedistributedTuples: counter("redistributed_tuples_total", "Tuples handed to a sink during redistribution."),
		CoverageErrors:      counter("redistribution_coverage_errors_total", "Tuples that matched no region during redistribution."),
		AllocationFailures:  counter("allocation_failures_total", "Resource allocations without an eligible node."),
		RoutingRetries:      counter("routing_retries_total", "Writes retried because the partition changed."),
		StatisticsRuns:      counter("statistics_runs_total", "Statistics collection rounds."),
		LocalRegions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spacedb",
			Name:      "local_regions",
			Help:      "Regions hosted by this node.",
		}, []string{"group"}),
	}
	reg.MustRegister(
		m.Splits, m.SplitFailures, m.Merges, m.MergeFailures,
		m.RedistributedTuples, m.CoverageErrors, m.AllocationFailures,
		m.RoutingRetries, m.StatisticsRuns, m.LocalRegions,
	)
	return m
}

// Discard returns collectors registered nowhere, for components built
// without a metrics registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// OrDiscard returns m, or Discard() when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}
