// Package metrics exposes Prometheus collectors for the platform. All
// collectors register on the default registry and are served by the ingress
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsAccepted counts commands durably accepted by the bus.
	CommandsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_commands_accepted_total",
		Help: "Commands accepted by the transactional command bus.",
	}, []string{"command"})

	// CommandsTerminal counts commands reaching a terminal status.
	CommandsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_commands_terminal_total",
		Help: "Commands reaching a terminal status.",
	}, []string{"command", "status"})

	// OutboxPublished counts outbox entries published to the broker.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_outbox_published_total",
		Help: "Outbox entries published to the broker.",
	}, []string{"category"})

	// OutboxRescheduled counts publish failures that went back for retry.
	OutboxRescheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platform_outbox_rescheduled_total",
		Help: "Outbox entries rescheduled after a publish failure.",
	})

	// OutboxRecovered counts stuck claims released by the sweeper.
	OutboxRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platform_outbox_recovered_total",
		Help: "Stuck outbox claims released back to NEW.",
	})

	// FastPathDropped counts fast-path notifications dropped at saturation.
	FastPathDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platform_fastpath_dropped_total",
		Help: "Fast-path notifications dropped because the pool was saturated.",
	})

	// InboxDuplicates counts deliveries suppressed by the inbox guard.
	InboxDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platform_inbox_duplicates_total",
		Help: "Redeliveries suppressed by the durable inbox.",
	})

	// HandlerDuration observes handler execution time.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "platform_handler_duration_seconds",
		Help:    "Command handler execution time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// ProcessTransitions counts process instance status transitions.
	ProcessTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_process_transitions_total",
		Help: "Process instance status transitions.",
	}, []string{"process_type", "status"})

	// DeadLetters counts commands parked on the dead-letter queue.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_dead_letters_total",
		Help: "Commands parked on the dead-letter queue.",
	}, []string{"command"})
)
