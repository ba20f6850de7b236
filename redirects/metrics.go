package redirects

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/redirects/internal/logger"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_cache_lookups_total",
	Help: "Number of rule cache lookups",
}, []string{"result"})

var cacheRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_cache_rebuilds_total",
	Help: "Number of full rule cache rebuilds",
}, []string{"status"})

var cacheUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_cache_updates_total",
	Help: "Number of point updates and invalidations applied to the rule cache",
}, []string{"op"})

var cachedRules = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "redirects_cache_rules",
	Help: "Number of rules currently held in the cache",
})

var redirectsServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_served_total",
	Help: "Number of redirect responses written",
}, []string{"status"})

var ruleMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redirects_rule_mutations_total",
	Help: "Number of rule mutations by operation and outcome",
}, []string{"op", "outcome"})

var loggedErrors = promauto.NewCounterFunc(prometheus.CounterOpts{
	Name: "redirects_log_errors_total",
	Help: "Number of errors logged, including sampled-out ones",
}, func() float64 { return float64(logger.TotalErrors.Load()) })

var loggedWarnings = promauto.NewCounterFunc(prometheus.CounterOpts{
	Name: "redirects_log_warnings_total",
	Help: "Number of warnings logged, including sampled-out ones",
}, func() float64 { return float64(logger.TotalWarnings.Load()) })
