package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicer",
		Name:      "consumer_transactions_total",
		Help:      "Total number of transactions applied to the aggregate keyspace.",
	}, []string{"analytics", "resource"})
	metricTransactionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicer",
		Name:      "consumer_transaction_errors_total",
		Help:      "Total number of transactions that could not be applied.",
	}, []string{"analytics", "resource"})
)
