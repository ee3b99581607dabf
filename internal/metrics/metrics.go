// Package metrics holds the Prometheus collectors of the harvester.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntriesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_entries_claimed_total",
		Help: "Queue entries claimed by dispatch ticks.",
	})

	QueueFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_queue_filled_total",
		Help: "Queue entries inserted by fill runs.",
	})

	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_completions_total",
		Help: "Entries that finished processing, by outcome.",
	}, []string{"outcome"})

	TokenShifts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_token_shifts_total",
		Help: "Token-wide schedule shifts triggered by quota errors.",
	})

	AncientDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_ancient_deleted_total",
		Help: "Stale queue entries pruned by garbage collection.",
	})
)
