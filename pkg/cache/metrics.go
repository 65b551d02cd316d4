package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslane_cache_hits_total",
		Help: "Cache hits by backend.",
	}, []string{"backend"})

	missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslane_cache_misses_total",
		Help: "Cache misses by backend, including backend errors degraded to misses.",
	}, []string{"backend"})

	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosslane_cache_degraded_total",
		Help: "Cache operations that failed against the backend and were swallowed.",
	}, []string{"backend", "op"})
)
