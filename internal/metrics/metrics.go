// Package metrics exposes the pool's Prometheus collectors: package
// level, registered against the default registry, scraped over an
// http.Handler the caller mounts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SharesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratumpool",
		Name:      "shares_accepted_total",
		Help:      "Valid shares submitted, by worker.",
	}, []string{"worker"})

	SharesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratumpool",
		Name:      "shares_rejected_total",
		Help:      "Rejected shares submitted, by worker and reason.",
	}, []string{"worker", "reason"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stratumpool",
		Name:      "active_sessions",
		Help:      "Currently connected Stratum sessions.",
	})

	BansIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumpool",
		Name:      "bans_issued_total",
		Help:      "Sessions banned for excessive invalid shares.",
	})

	PeerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumpool",
		Name:      "peer_reconnects_total",
		Help:      "Reconnection attempts made to the full node peer.",
	})

	BlocksFound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumpool",
		Name:      "blocks_found_total",
		Help:      "Blocks the pool submitted and the node accepted.",
	})

	TemplateBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stratumpool",
		Name:      "template_build_seconds",
		Help:      "Time spent constructing a BlockTemplate from getblocktemplate RPC data.",
		Buckets:   prometheus.DefBuckets,
	})
)
