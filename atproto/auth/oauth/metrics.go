package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var discoveryFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_discovery_fetches",
	Help: "Auth server metadata fetches, by outcome",
}, []string{"outcome"})

var discoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "atproto_oauth_discovery_duration",
	Help:    "Time to fetch auth server metadata",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 2, 15),
})

var discoveryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_oauth_discovery_cache_hits",
	Help: "Number of cache hits for auth server metadata",
})

var discoveryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_oauth_discovery_cache_misses",
	Help: "Number of cache misses for auth server metadata",
})

var discoveryCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_oauth_discovery_coalesced",
	Help: "Number of auth server metadata lookups coalesced with an in-flight request",
})

var authFlowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_auth_flows_started",
	Help: "Auth flows started, by result kind",
}, []string{"kind"})

var callbacksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_callbacks_processed",
	Help: "Auth callbacks processed, by result kind",
}, []string{"kind"})

var dpopNonceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_dpop_nonce_retries",
	Help: "Requests retried with a server-provided DPoP nonce, by endpoint type",
}, []string{"endpoint"})

var tokenRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "atproto_oauth_token_request_duration",
	Help:    "Time for token exchange requests, including any nonce retry",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 2, 15),
})
