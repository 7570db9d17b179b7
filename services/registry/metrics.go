package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worksie",
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Rollout state transitions by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	mGuardRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "worksie",
			Subsystem: "registry",
			Name:      "guard_rejections_total",
			Help:      "Promotions rejected by the metric budget guard.",
		},
	)

	mCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worksie",
			Subsystem: "registry",
			Name:      "commands_total",
			Help:      "Commands consumed from the command channel by outcome.",
		},
		[]string{"outcome"},
	)

	mRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worksie",
			Subsystem: "registry",
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request latency.",
		},
		[]string{"path", "code"},
	)
)
