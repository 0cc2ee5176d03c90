package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound requests by operation and result.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadnode",
		Name:      "requests_total",
		Help:      "Inbound RPC requests by operation and result.",
	}, []string{"op", "result"})

	// RPCAttemptsTotal counts outbound attempts by operation and outcome.
	RPCAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadnode",
		Name:      "rpc_attempts_total",
		Help:      "Outbound RPC attempts by operation and outcome.",
	}, []string{"op", "outcome"})

	RoutingTablePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kadnode",
		Name:      "routing_table_peers",
		Help:      "Peers currently held in the routing table.",
	})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadnode",
		Name:      "evictions_total",
		Help:      "Peers removed from the routing table by reason.",
	}, []string{"reason"})

	BansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kadnode",
		Name:      "bans_total",
		Help:      "Peers banned after falling below the reputation threshold.",
	})

	StoreForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadnode",
		Name:      "store_forwards_total",
		Help:      "Replicated store requests by result.",
	}, []string{"result"})

	LookupRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kadnode",
		Name:      "lookup_rounds",
		Help:      "Rounds taken by iterative lookups.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})
)
