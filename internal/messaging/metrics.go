package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnCommitsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_turn_commits_published_total",
			Help: "Total number of turn commit tasks published.",
		},
	)
	turnCommitsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_turn_commits_processed_total",
			Help: "Total number of turn commit deliveries processed by outcome.",
		},
		[]string{"outcome"},
	)
	turnCommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_turn_commit_failures_total",
			Help: "Total number of turn commit tasks that reached the dead letter queue.",
		},
	)
)
