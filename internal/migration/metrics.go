package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_migrations_total",
		Help: "Finished migrations by outcome.",
	}, []string{"outcome"})
	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flock_migration_phase_transitions_total",
		Help: "Migration phase transitions by target phase.",
	}, []string{"phase"})
	ownershipTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flock_migration_ownership_transfers_total",
		Help: "Ownership commits from source to target.",
	})
)
