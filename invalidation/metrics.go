package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_invalidation_published_total",
	Help: "Number of invalidation messages published",
}, []string{"backend", "type"})

var publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_invalidation_publish_errors_total",
	Help: "Number of invalidation messages that failed to publish",
}, []string{"backend"})

var messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_invalidation_received_total",
	Help: "Number of invalidation messages received",
}, []string{"type"})

var applyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_invalidation_apply_errors_total",
	Help: "Number of invalidation messages that failed to apply",
}, []string{"type"})

var decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_invalidation_decode_errors_total",
	Help: "Number of undecodable invalidation payloads",
}, []string{"backend"})

var reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_invalidation_reconnects_total",
	Help: "Number of subscription reconnects that triggered a full refresh",
}, []string{"backend"})
