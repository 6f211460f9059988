package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmvote"

// Collectors are created up front so packages can record without a nil
// check; Register exposes them on the default registry.
var (
	VotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_total",
		Help:      "Vote submissions, by requested value and outcome.",
	}, []string{"value", "outcome"})

	TxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vote_tx_retries_total",
		Help:      "Vote transactions retried after a transient store failure.",
	})

	TxDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vote_tx_duration_seconds",
		Help:      "Duration of vote transactions including retries.",
		Buckets:   prometheus.DefBuckets,
	})

	FraudBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_blocks_total",
		Help:      "Votes rejected by the fraud heuristics.",
	})

	FraudIndicators = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_indicators_total",
		Help:      "Fraud indicators raised, by indicator.",
	}, []string{"indicator"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by action.",
	}, []string{"action"})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Cache hits, by layer (local or redis).",
	}, []string{"layer"})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Cache misses.",
	})

	CacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_errors_total",
		Help:      "Redis errors absorbed by the cache layer, by operation.",
	}, []string{"op"})

	PropagationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "propagation_failures_total",
		Help:      "Events that could not be published to other instances.",
	})

	DroppedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_messages_total",
		Help:      "Messages dropped because a connection's send queue was full.",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open real-time connections on this instance.",
	})

	WSMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_messages_total",
		Help:      "Client messages received, by type.",
	}, []string{"type"})

	StatsRebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stats_rebuild_duration_seconds",
		Help:      "Duration of rankings and stats rebuilds.",
		Buckets:   prometheus.DefBuckets,
	})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request duration in seconds, by endpoint and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "method", "status"})

	RequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})
)

// Register adds every collector to the default registry. Call once at
// startup. pool may be nil when running on the in-memory store.
func Register(pool *pgxpool.Pool) {
	prometheus.MustRegister(
		VotesTotal,
		TxRetries,
		TxDuration,
		FraudBlocks,
		FraudIndicators,
		RateLimited,
		CacheHits,
		CacheMisses,
		CacheErrors,
		PropagationFailures,
		DroppedMessages,
		WSConnections,
		WSMessages,
		StatsRebuildDuration,
		RequestDuration,
		RequestsInFlight,
	)

	if pool == nil {
		return
	}
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_active",
			Help:      "Number of active database connections.",
		}, func() float64 {
			return float64(pool.Stat().AcquiredConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_idle",
			Help:      "Number of idle database connections.",
		}, func() float64 {
			return float64(pool.Stat().IdleConns())
		}),
	)
}
