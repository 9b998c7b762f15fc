package p2p

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the pool/coordinator's operational surface, parallel to
// bft's metricsSet.
type metricsSet struct {
	inboundConnections  prometheus.Gauge
	outboundConnections prometheus.Gauge
	bannedPeers         prometheus.Counter
	discoveryResponse   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		inboundConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toldpos",
			Subsystem: "p2p",
			Name:      "inbound_connections",
			Help:      "Current number of live inbound peer connections.",
		}),
		outboundConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toldpos",
			Subsystem: "p2p",
			Name:      "outbound_connections",
			Help:      "Current number of live outbound peer connections.",
		}),
		bannedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toldpos",
			Subsystem: "p2p",
			Name:      "banned_peers_total",
			Help:      "Total number of peers banned.",
		}),
		discoveryResponse: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "toldpos",
			Subsystem: "p2p",
			Name:      "discovery_response_bytes",
			Help:      "Serialized byte size of getPeersList responses.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inboundConnections, m.outboundConnections, m.bannedPeers, m.discoveryResponse)
	}
	return m
}
