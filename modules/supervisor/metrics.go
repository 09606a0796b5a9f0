package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicer",
		Name:      "supervisor_active_consumers",
		Help:      "Number of consumers currently running.",
	})
	metricConsumerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicer",
		Name:      "supervisor_consumer_restarts_total",
		Help:      "Total number of consumers respawned after a failure.",
	}, []string{"analytics"})
)
