package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payops_queue_jobs_total",
	Help: "Jobs processed by name and result",
}, []string{"name", "result"})
