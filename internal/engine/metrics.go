package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payops_transitions_total",
		Help: "Transition attempts by entity, transition and outcome",
	}, []string{"entity", "transition", "outcome"})

	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payops_sweep_duration_seconds",
		Help:    "Reconciliation sweep latency",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 120},
	}, []string{"sweep"})

	subscriptionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payops_subscription_restarts_total",
		Help: "Node event subscription restarts",
	}, []string{"stream"})
)
