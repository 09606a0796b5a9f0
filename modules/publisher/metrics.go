package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricTransactionsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dicer",
	Name:      "publisher_transactions_total",
	Help:      "Total number of transactions published on resource channels.",
}, []string{"channel", "tr_type"})
