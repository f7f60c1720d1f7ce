package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_scheduler_cycles_total",
		Help: "Completed tick cycles.",
	})
	cyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_scheduler_cycles_skipped_total",
		Help: "Timer firings skipped because a cycle was still in progress.",
	})
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_scheduler_ticks_total",
		Help: "Tick dispatches by kind and result.",
	}, []string{"kind", "result"})
	immediateTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_scheduler_immediate_ticks_total",
		Help: "Immediate tick requests by outcome.",
	}, []string{"outcome"})
	leasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_scheduler_leases_expired_total",
		Help: "Homes swept from LEASED to IDLE on lease expiry.",
	})
	staleLocksRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_scheduler_stale_locks_removed_total",
		Help: "Stale session lock files removed.",
	})
)
