package bft

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the operational surface a real DPoS node exposes alongside
// the finality core — not named by spec, not excluded by it either (see
// SPEC_FULL.md's ambient metrics supplement).
type metricsSet struct {
	finalizedHeight        prometheus.Gauge
	chainMaxHeightPrevoted prometheus.Gauge
	headersAppended        prometheus.Counter
	recomputes             prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		finalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toldpos",
			Subsystem: "bft",
			Name:      "finalized_height",
			Help:      "Highest block height whose pre-commit count has crossed the finality threshold.",
		}),
		chainMaxHeightPrevoted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toldpos",
			Subsystem: "bft",
			Name:      "chain_max_height_prevoted",
			Help:      "Highest block height whose pre-vote count has crossed the pre-vote threshold.",
		}),
		headersAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toldpos",
			Subsystem: "bft",
			Name:      "headers_appended_total",
			Help:      "Total number of headers accepted by AddBlockHeader.",
		}),
		recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toldpos",
			Subsystem: "bft",
			Name:      "recomputes_total",
			Help:      "Total number of full vote/commit recomputations triggered by RemoveBlockHeaders.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.finalizedHeight, m.chainMaxHeightPrevoted, m.headersAppended, m.recomputes)
	}
	return m
}
